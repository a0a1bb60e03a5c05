// Package falai is a minimal client for the fal.ai queue API, covering the
// image-to-video and text-to-video models used for remix generation.
package falai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Queue models.
const (
	ModelImageToVideo = "fal-ai/minimax/hailuo-02/standard/image-to-video"
	ModelTextToVideo  = "fal-ai/kling-video/v2/master/text-to-video"
)

// Request statuses reported by the queue.
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

const defaultQueueURL = "https://queue.fal.run"

// Client talks to the fal.ai queue API.
type Client struct {
	apiKey     string
	queueURL   string
	httpClient *http.Client
	logger     logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithQueueURL overrides the queue base URL. Used in tests.
func WithQueueURL(url string) Option {
	return func(c *Client) { c.queueURL = strings.TrimRight(url, "/") }
}

// NewClient creates a queue client authenticated with apiKey.
func NewClient(apiKey string, logger logrus.FieldLogger, opts ...Option) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		apiKey:     apiKey,
		queueURL:   defaultQueueURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.WithField("component", "falai"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitRequest is the input to a queue submission.
type SubmitRequest struct {
	Prompt         string  `json:"prompt"`
	ImageURL       string  `json:"image_url,omitempty"`
	PromptOptimize bool    `json:"prompt_optimizer,omitempty"`
	Duration       string  `json:"duration,omitempty"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	CFGScale       float64 `json:"cfg_scale,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

// StatusResponse is a queue status report.
type StatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Result is a completed generation result.
type Result struct {
	Video struct {
		URL string `json:"url"`
	} `json:"video"`
}

var promptSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\s]`)

// SanitizePrompt strips characters the video models reject.
func SanitizePrompt(prompt string) string {
	return promptSanitizer.ReplaceAllString(prompt, "")
}

// EnhancePrompt appends the standard remix styling instructions. The remix
// instruction only applies when a source image drives the generation.
func EnhancePrompt(prompt string, hasImage bool) string {
	const videoInstruction = "Bring this scene to life with subtle, cinematic movement that enhances the magical atmosphere."
	const remixInstruction = "Completely reimagine the subject's appearance and style while preserving its core essence."

	if hasImage {
		return fmt.Sprintf("%s %s %s", prompt, remixInstruction, videoInstruction)
	}
	return fmt.Sprintf("%s %s", prompt, videoInstruction)
}

// SubmitImageToVideo queues an image-to-video generation and returns the
// request id.
func (c *Client) SubmitImageToVideo(ctx context.Context, prompt, imageURL string) (string, error) {
	return c.submit(ctx, ModelImageToVideo, SubmitRequest{
		Prompt:         SanitizePrompt(prompt),
		ImageURL:       imageURL,
		PromptOptimize: true,
	})
}

// SubmitTextToVideo queues a text-to-video generation. Used when no source
// image is available.
func (c *Client) SubmitTextToVideo(ctx context.Context, prompt string) (string, error) {
	return c.submit(ctx, ModelTextToVideo, SubmitRequest{
		Prompt:         SanitizePrompt(prompt),
		Duration:       "5",
		NegativePrompt: "blur, distort, low quality, ugly, bad anatomy, cartoon, illustration",
		CFGScale:       0.8,
	})
}

func (c *Client) submit(ctx context.Context, model string, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.queueURL, model), body, &resp); err != nil {
		return "", err
	}
	if resp.RequestID == "" {
		return "", fmt.Errorf("queue returned no request id")
	}

	c.logger.WithFields(logrus.Fields{
		"model":      model,
		"request_id": resp.RequestID,
	}).Info("queued generation request")
	return resp.RequestID, nil
}

// Status reports the queue state of a request.
func (c *Client) Status(ctx context.Context, model, requestID string) (*StatusResponse, error) {
	var resp StatusResponse
	url := fmt.Sprintf("%s/%s/requests/%s/status", c.queueURL, model, requestID)
	if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Result fetches the output of a completed request.
func (c *Client) Result(ctx context.Context, model, requestID string) (*Result, error) {
	var resp Result
	url := fmt.Sprintf("%s/%s/requests/%s", c.queueURL, model, requestID)
	if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("queue request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read queue response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("queue returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse queue response: %w", err)
	}
	return nil
}
