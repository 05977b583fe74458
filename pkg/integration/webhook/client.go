package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skillsight/reporthooks/internal/webhook/security"
)

// Config holds configuration for the webhook client.
type Config struct {
	BaseURL       string
	Secret        string
	Timeout       time.Duration
	MaxConcurrent int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		MaxConcurrent: 50,
	}
}

// Client re-delivers signed completion payloads. Each Deliver call makes
// exactly one attempt; retry policy belongs to the caller, not the client.
type Client struct {
	httpClient *http.Client
	config     Config
	semaphore  chan struct{}
}

// NewClient creates a new webhook client with the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 50
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config:    cfg,
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Deliver POSTs the payload to BaseURL joined with path. The body is signed
// at send time, never with a signature computed earlier, since the secret
// may have rotated between storage and replay. A non-2xx response or a
// transport error is returned as an unsuccessful result together with a
// non-nil error.
func (c *Client) Deliver(ctx context.Context, path string, payload any) (*DeliveryResult, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	url := joinURL(c.config.BaseURL, path)
	result := &DeliveryResult{URL: url}
	startTime := time.Now()

	statusCode, responseBody, err := c.doSend(ctx, url, body)
	result.StatusCode = statusCode
	result.ResponseBody = responseBody
	result.DeliveredAt = time.Now()
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	if statusCode < 200 || statusCode >= 300 {
		err = fmt.Errorf("unexpected status code: %d", statusCode)
		result.Error = err.Error()
		return result, err
	}

	result.Success = true
	return result, nil
}

// doSend performs the actual HTTP request.
func (c *Client) doSend(ctx context.Context, url string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ReportHooks-Webhook/1.0")
	if c.config.Secret != "" {
		security.AddHeader(req.Header, c.config.Secret, body)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // Limit to 64KB
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("reading response: %w", err)
	}

	return resp.StatusCode, string(respBody), nil
}

func joinURL(base, path string) string {
	if base == "" {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
