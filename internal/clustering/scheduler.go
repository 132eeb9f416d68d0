package clustering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/battlescope/internal/pkg/distlock"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

// DefaultInterval is how often the scheduler runs the job.
const DefaultInterval = 5 * time.Minute

// Runner is satisfied by *Job.
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

// Scheduler runs a clustering job on a fixed interval.
type Scheduler struct {
	job      Runner
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for job.
func NewScheduler(job Runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{job: job, interval: interval}
}

// Start runs the job once immediately and then on every tick until Stop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	logger.Info("[ClusterScheduler] Starting", "interval", s.interval)

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels the running job and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("[ClusterScheduler] Stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	_, err := s.job.Run(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, distlock.ErrLockHeld):
		logger.Debug("[ClusterScheduler] another instance is clustering, skipping")
	case s.ctx.Err() != nil:
	default:
		logger.Error("[ClusterScheduler] run failed", "error", err)
	}
}
