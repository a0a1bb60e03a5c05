package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// PaymentSigner produces a signed payment payload satisfying the given
// requirements. Implemented by evm.PaymentSigner.
type PaymentSigner interface {
	SignPayment(ctx context.Context, requirements *PaymentRequirements) (*PaymentPayload, error)
}

// PayingClient is an HTTP client that transparently pays 402 challenges.
// On a 402 response it selects an acceptable requirement, signs a payment
// for it, and retries the request once with the payment attached.
type PayingClient struct {
	httpClient *http.Client
	signer     PaymentSigner
	networks   map[string]bool
	logger     logrus.FieldLogger
}

// NewPayingClient wraps hc (nil for http.DefaultClient) with payment
// handling. Only challenges on the given networks are paid.
func NewPayingClient(hc *http.Client, signer PaymentSigner, logger logrus.FieldLogger, networks ...string) *PayingClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	set := make(map[string]bool, len(networks))
	for _, n := range networks {
		set[n] = true
	}
	return &PayingClient{
		httpClient: hc,
		signer:     signer,
		networks:   set,
		logger:     logger.WithField("component", "x402-client"),
	}
}

// Do executes the request, paying a 402 challenge if one comes back. The
// request body, if any, must be supplied as bytes so the request can be
// replayed.
func (c *PayingClient) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	resp, err := c.send(ctx, method, url, body, header, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read payment challenge: %w", err)
	}

	var required PaymentRequiredResponse
	if err := json.Unmarshal(challenge, &required); err != nil {
		return nil, fmt.Errorf("parse payment challenge: %w", err)
	}

	requirements := c.selectRequirements(required.Accepts)
	if requirements == nil {
		return nil, fmt.Errorf("no payable requirements in challenge for %s", url)
	}

	payload, err := c.signer.SignPayment(ctx, requirements)
	if err != nil {
		return nil, fmt.Errorf("sign payment: %w", err)
	}
	encoded, err := EncodePayment(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payment: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"url":     url,
		"network": requirements.Network,
		"amount":  requirements.MaxAmountRequired,
	}).Info("paying 402 challenge")

	return c.send(ctx, method, url, body, header, encoded)
}

func (c *PayingClient) send(ctx context.Context, method, url string, body []byte, header http.Header, payment string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if payment != "" {
		req.Header.Set(HeaderPayment, payment)
	}
	return c.httpClient.Do(req)
}

func (c *PayingClient) selectRequirements(accepts []PaymentRequirements) *PaymentRequirements {
	for i := range accepts {
		r := &accepts[i]
		if r.Scheme != "exact" {
			continue
		}
		if len(c.networks) > 0 && !c.networks[r.Network] {
			continue
		}
		return r
	}
	return nil
}
