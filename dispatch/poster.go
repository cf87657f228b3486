// Package dispatch delivers conversation requests to the AI workflow.
//
// Poster is the HTTP transport shared with the relay's remote notifier:
// JSON POST with exponential backoff on transient failures.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pithecene-io/treesync/iox"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// DefaultBaseDelay is the delay before the first retry.
const DefaultBaseDelay = 500 * time.Millisecond

// Config configures a Poster.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
	// BaseDelay is the first backoff interval, doubled per retry (default 500ms).
	BaseDelay time.Duration
}

// Poster sends JSON bodies via HTTP POST.
type Poster struct {
	config Config
	client *http.Client
}

// NewPoster creates a poster from the given config.
// Returns an error if the URL is empty.
func NewPoster(cfg Config) (*Poster, error) {
	if cfg.URL == "" {
		return nil, errors.New("dispatch: poster requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}

	return &Poster{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// URL returns the target endpoint.
func (p *Poster) URL() string { return p.config.URL }

// Post marshals v and sends it as a JSON POST request.
// Retries with exponential backoff on 5xx responses and network errors.
// 4xx responses are non-retriable and fail immediately.
func (p *Poster) Post(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("dispatch: marshal body: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 16 * p.config.BaseDelay

	attempts := 1 + p.config.Retries
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := p.doRequest(ctx, body)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("dispatch: context canceled: %w", ctxErr)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
		return fmt.Errorf("dispatch: non-retriable error: %w", err)
	}
	return fmt.Errorf("dispatch: failed after %d attempts: %w", attempts, err)
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// doRequest performs a single HTTP POST and returns nil on 2xx.
func (p *Poster) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}

// Close releases idle connections.
func (p *Poster) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
