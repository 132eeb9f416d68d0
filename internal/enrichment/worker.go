// Package enrichment fetches full killmail payloads for accepted events and
// records the outcome as an enrichment state transition.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/killmail"
	"github.com/ignite/battlescope/internal/metrics"
	"github.com/ignite/battlescope/internal/pkg/logger"
	"github.com/ignite/battlescope/internal/shiphistory"
)

// DefaultFetchTimeout bounds one detail fetch.
const DefaultFetchTimeout = 30 * time.Second

// Store records enrichment state transitions.
type Store interface {
	Transition(ctx context.Context, killmailID int64, state domain.EnrichmentState) error
}

// Fetcher returns the raw payload of a killmail.
type Fetcher interface {
	Fetch(ctx context.Context, killmailID int64) ([]byte, error)
}

// Archiver keeps a copy of successful payloads.
type Archiver interface {
	Put(ctx context.Context, killmailID int64, occurredAt time.Time, payload []byte) error
}

// EventLoader reads a stored event.
type EventLoader interface {
	Get(ctx context.Context, killmailID int64) (domain.KillmailEvent, error)
}

// HistoryWriter inserts pilot ship history rows.
type HistoryWriter interface {
	InsertBatch(ctx context.Context, rows []domain.PilotShipHistory) (int64, error)
}

// Option configures a Worker.
type Option func(*Worker)

// WithThrottle makes every fetch wait until at least d has passed since the
// previous one. The limit is shared by every goroutine using the worker.
func WithThrottle(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithArchive archives successful payloads. Archive failures are logged and
// do not fail the job.
func WithArchive(a Archiver) Option {
	return func(w *Worker) { w.archive = a }
}

// WithShipHistory appends ship history rows for every successful payload so
// the derived table stays current between rebuilds.
func WithShipHistory(events EventLoader, writer HistoryWriter) Option {
	return func(w *Worker) {
		w.events = events
		w.history = writer
	}
}

// Worker processes one enrichment job at a time; it is safe for concurrent
// use.
type Worker struct {
	store     Store
	fetcher   Fetcher
	limiter   *rate.Limiter
	timeout   time.Duration
	archive   Archiver
	events    EventLoader
	history   HistoryWriter
	processor *shiphistory.Processor
	now       func() time.Time
}

// NewWorker creates an enrichment worker.
func NewWorker(store Store, fetcher Fetcher, opts ...Option) *Worker {
	w := &Worker{
		store:     store,
		fetcher:   fetcher,
		timeout:   DefaultFetchTimeout,
		processor: shiphistory.NewProcessor(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process runs one killmail through processing to succeeded or failed. A
// fetch or parse error is stored as Failed and returned.
func (w *Worker) Process(ctx context.Context, killmailID int64) error {
	start := w.now()
	if err := w.store.Transition(ctx, killmailID, domain.Processing{StartedAt: start}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return w.fail(ctx, killmailID, start, err)
		}
	}

	fctx, cancel := context.WithTimeout(ctx, w.timeout)
	payload, err := w.fetcher.Fetch(fctx, killmailID)
	cancel()
	if err != nil {
		return w.fail(ctx, killmailID, start, err)
	}
	km, err := killmail.Parse(payload)
	if err != nil {
		return w.fail(ctx, killmailID, start, err)
	}
	if km.KillmailID != killmailID {
		return w.fail(ctx, killmailID, start, fmt.Errorf("%w: payload is for killmail %d", killmail.ErrMalformed, km.KillmailID))
	}

	if err := w.store.Transition(ctx, killmailID, domain.Succeeded{Payload: payload, FetchedAt: w.now()}); err != nil {
		return w.fail(ctx, killmailID, start, fmt.Errorf("mark succeeded: %w", err))
	}
	metrics.RecordEnrichment("succeeded", w.now().Sub(start))

	if w.archive != nil {
		if err := w.archive.Put(ctx, killmailID, km.KillmailTime, payload); err != nil {
			logger.Warn("[Enrichment] failed to archive payload", "killmail_id", killmailID, "error", err)
		}
	}
	if w.history != nil {
		w.recordShipHistory(ctx, killmailID, payload)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, killmailID int64, start time.Time, cause error) error {
	metrics.RecordEnrichment("failed", w.now().Sub(start))
	state := domain.Failed{Reason: cause.Error(), FailedAt: w.now()}
	// The job outcome must be recorded even when the caller's context ended.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.store.Transition(sctx, killmailID, state); err != nil {
		return errors.Join(cause, fmt.Errorf("mark failed: %w", err))
	}
	return cause
}

func (w *Worker) recordShipHistory(ctx context.Context, killmailID int64, payload []byte) {
	ev, err := w.events.Get(ctx, killmailID)
	if err != nil {
		logger.Warn("[Enrichment] failed to load event for ship history", "killmail_id", killmailID, "error", err)
		return
	}
	rows := w.processor.ProcessKillmail(ev, domain.KillmailEnrichment{
		KillmailID: killmailID,
		State:      domain.Succeeded{Payload: payload},
	})
	if len(rows) == 0 {
		return
	}
	n, err := w.history.InsertBatch(ctx, rows)
	if err != nil {
		logger.Warn("[Enrichment] failed to record ship history", "killmail_id", killmailID, "error", err)
		return
	}
	metrics.ShipHistoryRowsTotal.Add(float64(n))
}
