package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ClientConfig configures the pipeline-side tracking client.
type ClientConfig struct {
	// BaseURL of the tracking server. Empty disables tracking entirely;
	// every client and run operation becomes a no-op.
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultClientConfig returns the client defaults. BaseURL stays empty, so
// tracking is opt-in.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// Client talks to a tracking server. A disabled client (empty BaseURL) is
// valid; training proceeds offline.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
	enabled       bool
}

// NewClient creates a tracking client. Unset config fields fall back to
// DefaultClientConfig values.
func NewClient(config ClientConfig) *Client {
	defaults := DefaultClientConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaults.RetryAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	return &Client{
		baseURL:       strings.TrimSuffix(config.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: config.Timeout},
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
		enabled:       config.BaseURL != "",
	}
}

// Enabled reports whether a server URL is configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Health checks that the tracking server answers on /health.
func (c *Client) Health(ctx context.Context) error {
	if !c.enabled {
		return fmt.Errorf("tracking client is disabled")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach tracking server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Init creates a run on the tracking server with the host environment
// attached. With a disabled client it returns a no-op run.
func (c *Client) Init(ctx context.Context, project, name string, config map[string]interface{}) (*Run, error) {
	if !c.enabled {
		return &Run{client: c}, nil
	}
	req := CreateRunRequest{
		Project:     project,
		Name:        name,
		Config:      config,
		Environment: CaptureEnvironment(),
	}
	var record RunRecord
	if err := c.postWithRetry(ctx, "/api/runs", req, &record); err != nil {
		return nil, fmt.Errorf("failed to create tracking run: %w", err)
	}
	return &Run{client: c, id: record.ID}, nil
}

// Run is a client-side handle to a tracked run.
type Run struct {
	client *Client
	id     string
}

// ID returns the server-assigned run id, or "" for a disabled run.
func (r *Run) ID() string {
	return r.id
}

// LogEpoch posts one epoch of losses to the run.
func (r *Run) LogEpoch(ctx context.Context, epoch int, trainLoss, valLoss float64) error {
	if !r.client.enabled {
		return nil
	}
	entry := LogEntry{
		Epoch: epoch,
		Metrics: map[string]float64{
			"train_loss": trainLoss,
			"val_loss":   valLoss,
		},
	}
	return r.client.postWithRetry(ctx, "/api/runs/"+r.id+"/log", entry, nil)
}

// Finish marks the run terminal, failed when runErr is non-nil and finished
// otherwise.
func (r *Run) Finish(ctx context.Context, runErr error) error {
	if !r.client.enabled {
		return nil
	}
	req := FinishRunRequest{Status: StatusFinished}
	if runErr != nil {
		req.Status = StatusFailed
		req.Error = runErr.Error()
	}
	return r.client.postWithRetry(ctx, "/api/runs/"+r.id+"/finish", req, nil)
}

// postWithRetry retries transient failures with a fixed delay between
// attempts.
func (c *Client) postWithRetry(ctx context.Context, path string, in, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
		if err := c.postJSON(ctx, path, in, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.retryAttempts, lastErr)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "segtrain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	return nil
}
