// Package snapshot fetches initial resource state over the REST API so a
// subscriber can seed itself before live change events arrive.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatwire/internal/domain"
	"chatwire/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second

	maxSnapshotBody = 10 * 1024 * 1024
)

// Client fetches resource snapshots from the REST API. Calls are routed
// through a circuit breaker: when the API fails repeatedly, the circuit
// opens and subsequent fetches fail fast without reaching the network.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]json.RawMessage]
	logger  *slog.Logger
}

// NewClient creates a snapshot client for the API at cfg.BaseURL.
// Zero-valued breaker settings fall back to defaults.
func NewClient(cfg config.SnapshotConfig, logger *slog.Logger) *Client {
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]json.RawMessage](gobreaker.Settings{
		Name:        "snapshot",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	reqTimeout := cfg.Timeout
	if reqTimeout == 0 {
		reqTimeout = 5 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: reqTimeout},
		breaker: cb,
		logger:  logger,
	}
}

// Fetch returns the current rows of resource, optionally narrowed by a
// column=eq.value filter. Rows come back raw so callers can decode into
// the row type matching the resource.
func (c *Client) Fetch(ctx context.Context, resource, filter string) ([]json.RawMessage, error) {
	rows, err := c.breaker.Execute(func() ([]json.RawMessage, error) {
		return c.fetch(ctx, resource, filter)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewSubSystemError("snapshot", "Fetch", domain.ErrSnapshotUnavailable, resource)
		}
		return nil, err
	}
	return rows, nil
}

func (c *Client) fetch(ctx context.Context, resource, filter string) ([]json.RawMessage, error) {
	u := fmt.Sprintf("%s/api/v1/%s", c.baseURL, resource)
	if filter != "" {
		u += "?filter=" + url.QueryEscape(filter)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxSnapshotBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body))
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return rows, nil
}

// State returns the current circuit breaker state for monitoring.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}
