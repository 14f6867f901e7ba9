package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/robfig/cron/v3"
)

// CycleRunner runs one sync cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// Scheduler runs sync cycles on a fixed interval. A tick that fires while
// the previous cycle is still running is skipped.
type Scheduler struct {
	runner   CycleRunner
	interval time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	running bool
	initial sync.WaitGroup
}

func NewScheduler(runner CycleRunner, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
	}
}

// Start runs a first cycle right away and then one every interval until
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already started")
	}

	logger := logctx.LoggerFromContext(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))),
	))

	s.entry = s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		s.runCycle(ctx)
	}))

	s.cron.Start()
	s.running = true

	// The first cycle goes through the same skip chain as the scheduled ones.
	job := s.cron.Entry(s.entry).WrappedJob

	s.initial.Add(1)

	go func() {
		defer s.initial.Done()

		job.Run()
	}()

	logger.Info("sync scheduler started", "interval", s.interval.String())

	return nil
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	_, err := s.runner.RunCycle(ctx)

	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInProgress):
		logger.Warn("previous sync cycle still running, skipping tick")
	case ctx.Err() != nil:
		logger.Info("sync cycle interrupted by shutdown")
	default:
		logger.Error("sync cycle failed", "err", err)
	}
}

// NextRun returns when the next cycle is due, or the zero time when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil || !s.running {
		return time.Time{}
	}

	return s.cron.Entry(s.entry).Next
}

// Stop stops scheduling new cycles and waits for the running one to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()

		return nil
	}

	s.running = false
	stopped := s.cron.Stop()
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		<-stopped.Done()
		s.initial.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
