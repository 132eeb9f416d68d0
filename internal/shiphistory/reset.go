package shiphistory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/metrics"
	"github.com/ignite/battlescope/internal/pkg/distlock"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

// LockKey is the distributed lock shared by every rebuild.
const LockKey = "ship-history-reset"

// DefaultBatchSize is the number of killmails read per page.
const DefaultBatchSize = 1000

// Sentinel errors for rebuild options.
var (
	ErrInvalidMode      = errors.New("shiphistory: mode must be full or incremental")
	ErrFromDateRequired = errors.New("shiphistory: incremental mode requires a from date")
)

// Mode selects how much of the table a rebuild replaces.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeIncremental:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Progress is reported after every batch.
type Progress struct {
	Processed  int
	Total      int
	Percentage float64
}

// Options configures one rebuild.
type Options struct {
	Mode       Mode
	FromDate   *time.Time
	BatchSize  int
	OnProgress func(Progress)
}

// Result describes a finished or aborted rebuild. Batches committed before
// a failure stay committed.
type Result struct {
	Processed      int
	RecordsCreated int64
	Duration       time.Duration
	Success        bool
	Error          error
}

// Store is the data access contract of a rebuild.
type Store interface {
	// Truncate removes every ship history row.
	Truncate(ctx context.Context) error
	// DeleteSince removes rows that occurred at or after from.
	DeleteSince(ctx context.Context, from time.Time) (int64, error)
	// CountSource counts killmails a rebuild will read.
	CountSource(ctx context.Context, from *time.Time) (int, error)
	// NextBatch returns up to limit killmails with ids above afterID,
	// ordered by id, joined with their enrichment.
	NextBatch(ctx context.Context, afterID int64, from *time.Time, limit int) ([]Source, error)
	// InsertBatch inserts rows, skipping (killmail, character) pairs that
	// already exist, and returns how many were inserted.
	InsertBatch(ctx context.Context, rows []domain.PilotShipHistory) (int64, error)
}

// ResetService rebuilds the ship history table.
type ResetService struct {
	store     Store
	processor *Processor
	lock      distlock.DistLock
	now       func() time.Time
}

// NewResetService creates a rebuild service guarded by lock.
func NewResetService(store Store, processor *Processor, lock distlock.DistLock) *ResetService {
	return &ResetService{store: store, processor: processor, lock: lock, now: time.Now}
}

// Execute runs one rebuild. Failures are reported in the Result rather than
// returned.
func (s *ResetService) Execute(ctx context.Context, opts Options) Result {
	start := s.now()
	res := Result{}

	if err := validate(&opts); err != nil {
		res.Error = err
		return res
	}

	err := distlock.WithLock(ctx, s.lock, func(ctx context.Context) error {
		return s.rebuild(ctx, opts, &res)
	})
	res.Duration = s.now().Sub(start)
	if err != nil {
		res.Error = err
		logger.Error("[ShipHistoryReset] rebuild failed",
			"mode", string(opts.Mode),
			"processed", res.Processed,
			"records_created", res.RecordsCreated,
			"error", err)
		return res
	}

	res.Success = true
	logger.Info("[ShipHistoryReset] rebuild complete",
		"mode", string(opts.Mode),
		"processed", res.Processed,
		"records_created", res.RecordsCreated,
		"duration", res.Duration)
	return res
}

func validate(opts *Options) error {
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return err
	}
	if opts.Mode == ModeIncremental && opts.FromDate == nil {
		return ErrFromDateRequired
	}
	if opts.Mode == ModeFull {
		opts.FromDate = nil
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return nil
}

func (s *ResetService) rebuild(ctx context.Context, opts Options, res *Result) error {
	switch opts.Mode {
	case ModeFull:
		if err := s.store.Truncate(ctx); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	case ModeIncremental:
		deleted, err := s.store.DeleteSince(ctx, *opts.FromDate)
		if err != nil {
			return fmt.Errorf("delete since %s: %w", opts.FromDate.Format(time.RFC3339), err)
		}
		logger.Info("[ShipHistoryReset] cleared rows", "from", opts.FromDate.Format(time.RFC3339), "deleted", deleted)
	}

	total, err := s.store.CountSource(ctx, opts.FromDate)
	if err != nil {
		return fmt.Errorf("count killmails: %w", err)
	}

	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.store.NextBatch(ctx, cursor, opts.FromDate, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("read batch after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			return nil
		}

		var rows []domain.PilotShipHistory
		for _, src := range batch {
			rows = append(rows, s.processor.ProcessKillmail(src.Event, src.Enrichment)...)
		}
		if len(rows) > 0 {
			n, err := s.store.InsertBatch(ctx, rows)
			if err != nil {
				return fmt.Errorf("insert batch after %d: %w", cursor, err)
			}
			res.RecordsCreated += n
			metrics.ShipHistoryRowsTotal.Add(float64(n))
		}

		res.Processed += len(batch)
		cursor = batch[len(batch)-1].Event.KillmailID

		if opts.OnProgress != nil {
			opts.OnProgress(progress(res.Processed, total))
		}
		if len(batch) < opts.BatchSize {
			return nil
		}
	}
}

func progress(processed, total int) Progress {
	p := Progress{Processed: processed, Total: total, Percentage: 100}
	if total > 0 && processed < total {
		p.Percentage = float64(processed) * 100 / float64(total)
	}
	return p
}
