// Package sampling is the HTTP client for the LLM sampling provider. The
// provider is trusted for availability handling (retries, circuit breaking
// live in the callers) but not for structure: every response is schema
// validated and a failure surfaces ErrInvalidResponse so the caller can
// take its deterministic fallback.
package sampling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/cobehq/cobe/pkg/config"
)

// ErrInvalidResponse marks a provider reply that failed schema validation.
var ErrInvalidResponse = errors.New("sampling provider returned invalid response")

// Client calls the sampling provider.
type Client struct {
	endpoint string
	http     *http.Client
	config   config.SamplingConfig
	validate *validator.Validate
}

// New creates a provider client.
func New(cfg config.SamplingConfig) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.CallTimeout},
		config:   cfg,
		validate: validator.New(),
	}
}

// Decompose asks the provider to break a task into subtasks.
func (c *Client) Decompose(ctx context.Context, req *DecomposeRequest) (*DecomposeResponse, error) {
	var resp DecomposeResponse
	if err := c.post(ctx, "/decompose", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Context asks the provider for a subtask execution brief.
func (c *Client) Context(ctx context.Context, req *ContextRequest) (*ContextResponse, error) {
	var resp ContextResponse
	if err := c.post(ctx, "/context", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve asks the provider to arbitrate between conflicting proposals.
func (c *Client) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	var resp ResolveResponse
	if err := c.post(ctx, "/resolve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Synthesize asks the provider for the integration summary of a finished
// task.
func (c *Client) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	var resp SynthesizeResponse
	if err := c.post(ctx, "/synthesize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the provider.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider health: status %d", resp.StatusCode)
	}
	return nil
}

// Stats reads the provider's self-reported stats.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider stats: status %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode provider stats: %w", err)
	}
	return out, nil
}

// post sends one phase request with exponential-backoff retries. Network
// errors and 5xx responses retry; 4xx responses and schema-invalid bodies
// are permanent.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("provider %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("provider %s: status %d", path, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("provider %s: status %d", path, resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrInvalidResponse, err))
		}
		if err := c.validate.Struct(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrInvalidResponse, err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.config.MaxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("Retrying sampling provider call", "path", path, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(attempt, policy, notify)
}
