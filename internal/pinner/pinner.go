// Package pinner downloads generated videos and pins them to IPFS through
// Pinata's pay-per-pin endpoint, which itself charges via 402 challenges.
package pinner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

const defaultPinEndpoint = "https://402.pinata.cloud/v1/pin/public"

// maxVideoBytes caps downloads of generated videos.
const maxVideoBytes = 256 << 20

// Pinner pins files to IPFS, paying the pinning service per upload.
type Pinner struct {
	payingClient *x402.PayingClient
	httpClient   *http.Client
	pinEndpoint  string
	logger       logrus.FieldLogger
}

// Option configures a Pinner.
type Option func(*Pinner)

// WithPinEndpoint overrides the presign endpoint. Used in tests.
func WithPinEndpoint(url string) Option {
	return func(p *Pinner) { p.pinEndpoint = url }
}

// WithHTTPClient overrides the client used for downloads and uploads.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Pinner) { p.httpClient = hc }
}

// New creates a Pinner that pays pin challenges with signer on the given
// networks.
func New(signer x402.PaymentSigner, logger logrus.FieldLogger, networks []string, opts ...Option) *Pinner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	hc := &http.Client{Timeout: 5 * time.Minute}
	p := &Pinner{
		httpClient:  hc,
		pinEndpoint: defaultPinEndpoint,
		logger:      logger.WithField("component", "pinner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.payingClient = x402.NewPayingClient(p.httpClient, signer, logger, networks...)
	return p
}

// Download fetches a file from url.
func (p *Pinner) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVideoBytes))
	if err != nil {
		return nil, fmt.Errorf("read download body: %w", err)
	}
	return data, nil
}

type presignRequest struct {
	FileSize int `json:"fileSize"`
}

type presignResponse struct {
	URL string `json:"url"`
}

type uploadResponse struct {
	Data struct {
		IpfsHash string `json:"IpfsHash"`
		CID      string `json:"cid"`
	} `json:"data"`
}

// Pin uploads data to IPFS and returns its ipfs:// URI. The presign request
// is paid through the 402 flow; the upload itself hits the presigned URL
// directly.
func (p *Pinner) Pin(ctx context.Context, data []byte, fileName string) (string, error) {
	body, err := json.Marshal(presignRequest{FileSize: len(data)})
	if err != nil {
		return "", fmt.Errorf("marshal presign request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	resp, err := p.payingClient.Do(ctx, http.MethodPost, p.pinEndpoint, body, header)
	if err != nil {
		return "", fmt.Errorf("request presigned upload: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read presign response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("presign failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var presigned presignResponse
	if err := json.Unmarshal(raw, &presigned); err != nil {
		return "", fmt.Errorf("parse presign response: %w", err)
	}
	if presigned.URL == "" {
		return "", fmt.Errorf("presign response missing upload url")
	}

	cid, err := p.upload(ctx, presigned.URL, data, fileName)
	if err != nil {
		return "", err
	}

	p.logger.WithFields(logrus.Fields{
		"cid":  cid,
		"size": len(data),
	}).Info("pinned file to IPFS")
	return "ipfs://" + cid, nil
}

func (p *Pinner) upload(ctx context.Context, url string, data []byte, fileName string) (string, error) {
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("network", "public"); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &form)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var uploaded uploadResponse
	if err := json.Unmarshal(raw, &uploaded); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	cid := uploaded.Data.IpfsHash
	if cid == "" {
		cid = uploaded.Data.CID
	}
	if cid == "" {
		return "", fmt.Errorf("upload response missing cid")
	}
	return cid, nil
}
