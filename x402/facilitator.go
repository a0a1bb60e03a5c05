package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RemoteFacilitator talks to a third-party x402 facilitator service over
// HTTP. It satisfies the same contract as the local EVM facilitator; the
// payment gate is agnostic to which is configured.
type RemoteFacilitator struct {
	baseURL      string
	httpClient   *http.Client
	maxRetries   int
	retryBackoff time.Duration
	logger       logrus.FieldLogger
}

// RemoteFacilitatorOption configures a RemoteFacilitator.
type RemoteFacilitatorOption func(*RemoteFacilitator)

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(client *http.Client) RemoteFacilitatorOption {
	return func(f *RemoteFacilitator) { f.httpClient = client }
}

// WithRetry sets transport-level retry behavior.
func WithRetry(maxRetries int, backoff time.Duration) RemoteFacilitatorOption {
	return func(f *RemoteFacilitator) {
		f.maxRetries = maxRetries
		f.retryBackoff = backoff
	}
}

// NewRemoteFacilitator creates a facilitator client for the given base URL.
func NewRemoteFacilitator(baseURL string, logger logrus.FieldLogger, opts ...RemoteFacilitatorOption) *RemoteFacilitator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	f := &RemoteFacilitator{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		maxRetries:   3,
		retryBackoff: time.Second,
		logger:       logger.WithField("component", "facilitator"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type facilitatorRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// Verify checks a payment against requirements without moving funds.
// A facilitator "invalid" answer comes back as a VerificationResult;
// transport failures come back as errors.
func (f *RemoteFacilitator) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerificationResult, error) {
	req := facilitatorRequest{
		X402Version:         ProtocolVersion,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var result VerificationResult
	if err := f.post(ctx, "/verify", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle executes the authorized transfer on-chain via the facilitator and
// waits for its confirmation. A second call against an already-consumed
// nonce fails with ErrorReason set, not an error.
func (f *RemoteFacilitator) Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettlementResult, error) {
	req := facilitatorRequest{
		X402Version:         ProtocolVersion,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var result SettlementResult
	if err := f.post(ctx, "/settle", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSupported fetches the scheme+network pairs this facilitator handles.
func (f *RemoteFacilitator) GetSupported(ctx context.Context) (*SupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("create supported request: %w", err)
	}

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("facilitator supported returned status %d: %s", resp.StatusCode, string(body))
	}

	var supported SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		return nil, fmt.Errorf("decode supported response: %w", err)
	}
	return &supported, nil
}

func (f *RemoteFacilitator) post(ctx context.Context, endpoint string, reqBody, respBody interface{}) error {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.retryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			f.logger.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"attempt":  attempt + 1,
			}).Info("retrying facilitator call")
		}

		lastErr = f.doPost(ctx, endpoint, raw, respBody)
		if lastErr == nil {
			return nil
		}
	}

	f.logger.WithError(lastErr).WithField("endpoint", endpoint).Error("facilitator call failed")
	return lastErr
}

func (f *RemoteFacilitator) doPost(ctx context.Context, endpoint string, body []byte, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", endpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("facilitator %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}
