// Package detail fetches full killmail payloads from the killboard detail
// endpoint for enrichment.
package detail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ignite/battlescope/internal/pkg/httpretry"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

var (
	// ErrEmptyPayload means the killboard answered but had no payload for
	// the id.
	ErrEmptyPayload = errors.New("detail: empty payload")
	// ErrUnavailable is returned without a request while the breaker is open.
	ErrUnavailable = errors.New("detail: source unavailable")
)

// Config configures the detail client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// FailureThreshold consecutive upstream failures open the breaker for
	// OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Client fetches payloads by killmail id.
type Client struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a detail client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}

	settings := gobreaker.Settings{
		Name:        "killboard-detail",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// A missing payload is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrEmptyPayload) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[Detail] circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout}, httpretry.Options{
			UserAgent: cfg.UserAgent,
		}),
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// SetHTTPClient replaces the transport (tests).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// BreakerState reports the circuit breaker state for health output.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Fetch returns the raw JSON of the first payload for the killmail.
func (c *Client) Fetch(ctx context.Context, killmailID int64) ([]byte, error) {
	payload, err := c.breaker.Execute(func() ([]byte, error) {
		return c.fetch(ctx, killmailID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return payload, err
}

func (c *Client) fetch(ctx context.Context, killmailID int64) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/api/killID/%d/", c.baseURL, killmailID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detail request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detail error for killmail %d (status %d)", killmailID, resp.StatusCode)
	}

	var payloads []json.RawMessage
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("failed to decode detail response: %w", err)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("killmail %d: %w", killmailID, ErrEmptyPayload)
	}
	return payloads[0], nil
}
