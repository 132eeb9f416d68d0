package enrichment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/battlescope/internal/pkg/logger"
	"github.com/ignite/battlescope/internal/queue"
)

// DefaultConcurrency is the number of jobs processed at once.
const DefaultConcurrency = 5

const (
	dequeueTimeout  = 2 * time.Second
	promoteInterval = 5 * time.Second
	errorBackoff    = time.Second
)

// Queue is the job queue the pool drains.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (int64, error)
	Ack(ctx context.Context, killmailID int64) error
	Nack(ctx context.Context, killmailID int64) (queue.Disposition, error)
	PromoteDue(ctx context.Context) (int, error)
}

// Processor handles one job.
type Processor interface {
	Process(ctx context.Context, killmailID int64) error
}

// Pool runs a fixed number of goroutines pulling jobs from the queue.
type Pool struct {
	queue       Queue
	processor   Processor
	concurrency int

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	succeeded    int64
	failed       int64
	deadLettered int64
}

// NewPool creates a worker pool. A concurrency below 1 uses
// DefaultConcurrency.
func NewPool(q Queue, processor Processor, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Pool{queue: q, processor: processor, concurrency: concurrency}
}

// Start launches the workers and the retry promoter.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	logger.Info("[EnrichmentPool] Starting workers", "concurrency", p.concurrency)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.wg.Add(1)
	go p.promoter()
}

// Stop waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	logger.Info("[EnrichmentPool] Stopping workers...")
	p.wg.Wait()

	stats := p.Stats()
	logger.Info("[EnrichmentPool] Stopped",
		"succeeded", stats["succeeded"], "failed", stats["failed"], "dead_lettered", stats["dead_lettered"])
}

// Stats returns job counters since start.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"succeeded":     atomic.LoadInt64(&p.succeeded),
		"failed":        atomic.LoadInt64(&p.failed),
		"dead_lettered": atomic.LoadInt64(&p.deadLettered),
	}
}

func (p *Pool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}
		id, err := p.queue.Dequeue(p.ctx, dequeueTimeout)
		if errors.Is(err, queue.ErrNoJob) {
			continue
		}
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			logger.Warn("[EnrichmentPool] dequeue failed", "worker", workerNum, "error", err)
			sleepCtx(p.ctx, errorBackoff)
			continue
		}
		p.handle(workerNum, id)
	}
}

// handle finishes the job even if the pool is stopping; an abandoned job
// would otherwise wait for the recovery sweep.
func (p *Pool) handle(workerNum int, id int64) {
	ctx := context.WithoutCancel(p.ctx)

	if err := p.processor.Process(ctx, id); err != nil {
		atomic.AddInt64(&p.failed, 1)
		disp, nackErr := p.queue.Nack(ctx, id)
		if nackErr != nil {
			logger.Error("[EnrichmentPool] nack failed", "worker", workerNum, "killmail_id", id, "error", nackErr)
			return
		}
		if disp == queue.DeadLettered {
			atomic.AddInt64(&p.deadLettered, 1)
		}
		logger.Warn("[EnrichmentPool] enrichment failed",
			"worker", workerNum, "killmail_id", id, "disposition", string(disp), "error", err)
		return
	}

	atomic.AddInt64(&p.succeeded, 1)
	if err := p.queue.Ack(ctx, id); err != nil {
		logger.Error("[EnrichmentPool] ack failed", "worker", workerNum, "killmail_id", id, "error", err)
	}
}

func (p *Pool) promoter() {
	defer p.wg.Done()

	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.PromoteDue(p.ctx)
			if err != nil {
				if p.ctx.Err() == nil {
					logger.Warn("[EnrichmentPool] failed to promote retries", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Debug("[EnrichmentPool] promoted retries", "count", n)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
