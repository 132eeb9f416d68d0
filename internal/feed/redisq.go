// Package feed holds the clients for the upstream killmail sources: the
// RedisQ long-poll feed, the killboard history index and ESI.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/killmail"
	"github.com/ignite/battlescope/internal/metrics"
	"github.com/ignite/battlescope/internal/pkg/httpretry"
)

// ErrNoEvent is returned by Next when the long poll ended without a package.
var ErrNoEvent = errors.New("feed: no event available")

// RedisQConfig configures the long-poll client.
type RedisQConfig struct {
	BaseURL     string
	QueueID     string
	WaitSeconds int
	Timeout     time.Duration
	UserAgent   string
}

type redisQResponse struct {
	Package *redisQPackage `json:"package"`
}

type redisQPackage struct {
	KillID   int64           `json:"killID"`
	Killmail json.RawMessage `json:"killmail"`
	Zkb      *killmail.ZKB   `json:"zkb"`
}

// RedisQClient pulls one killmail per request from a RedisQ endpoint.
type RedisQClient struct {
	baseURL    string
	queueID    string
	wait       int
	httpClient httpretry.HTTPDoer
	now        func() time.Time

	mu          sync.RWMutex
	lastSuccess time.Time
	lastErr     error
	closed      bool
}

// NewRedisQClient creates a RedisQ client. The HTTP timeout must exceed the
// wait time or every empty poll turns into an error.
func NewRedisQClient(cfg RedisQConfig) *RedisQClient {
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(cfg.WaitSeconds+20) * time.Second
	}
	return &RedisQClient{
		baseURL: cfg.BaseURL,
		queueID: cfg.QueueID,
		wait:    cfg.WaitSeconds,
		httpClient: httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout}, httpretry.Options{
			MaxRetries: 2,
			UserAgent:  cfg.UserAgent,
		}),
		now: time.Now,
	}
}

// SetHTTPClient replaces the transport (tests).
func (c *RedisQClient) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Next long-polls for the next killmail. It returns ErrNoEvent when the
// queue was empty for the whole wait.
func (c *RedisQClient) Next(ctx context.Context) (domain.KillmailEvent, error) {
	ev, err := c.next(ctx)
	if err != nil && !errors.Is(err, ErrNoEvent) && ctx.Err() == nil {
		metrics.FeedErrorsTotal.Inc()
	}
	c.record(err)
	return ev, err
}

func (c *RedisQClient) next(ctx context.Context) (domain.KillmailEvent, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return domain.KillmailEvent{}, errors.New("feed: client closed")
	}

	q := url.Values{}
	if c.queueID != "" {
		q.Set("queueID", c.queueID)
	}
	q.Set("ttw", strconv.Itoa(c.wait))
	reqURL := fmt.Sprintf("%s/listen.php?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.KillmailEvent{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.KillmailEvent{}, fmt.Errorf("redisq request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return domain.KillmailEvent{}, ErrNoEvent
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.KillmailEvent{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.KillmailEvent{}, fmt.Errorf("redisq error (status %d): %s", resp.StatusCode, truncate(body))
	}

	var out redisQResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.KillmailEvent{}, fmt.Errorf("failed to decode redisq response: %w", err)
	}
	if out.Package == nil {
		return domain.KillmailEvent{}, ErrNoEvent
	}

	km, err := killmail.Parse(out.Package.Killmail)
	if err != nil {
		return domain.KillmailEvent{}, fmt.Errorf("redisq package %d: %w", out.Package.KillID, err)
	}
	ev := killmail.ToEvent(km, out.Package.Zkb, c.now())
	metrics.FeedLastEventTimestamp.Set(float64(ev.FetchedAt.Unix()))
	return ev, nil
}

func (c *RedisQClient) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil || errors.Is(err, ErrNoEvent) {
		c.lastSuccess = c.now()
		c.lastErr = nil
		return
	}
	if !errors.Is(err, context.Canceled) {
		c.lastErr = err
	}
}

// Status reports the outcome of the most recent poll. The feed counts as
// healthy until a poll fails.
func (c *RedisQClient) Status() (lastSuccess time.Time, lastErr error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess, c.lastErr
}

// Close stops further polls. In-flight requests end with their context.
func (c *RedisQClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
