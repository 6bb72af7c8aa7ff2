// Package scheduler drives the ingestion pipeline at a fixed interval.
// Cycles never overlap: a tick that lands while the previous cycle still
// runs is skipped, not queued.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner is one poll cycle. Cycle errors are absorbed by the scheduler;
// the next tick always fires.
type Runner interface {
	RunCycle(ctx context.Context) error
}

// Scheduler runs a Runner on a fixed interval.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	logger     *log.Logger
	runOnStart bool
	cron       *cron.Cron
	job        cron.Job
	rootCtx    context.Context
	startOnce  sync.Once
	stopOnce   sync.Once
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the scheduler logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRunOnStart fires one cycle immediately instead of waiting a full
// interval after startup.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) { s.runOnStart = enabled }
}

// New builds a scheduler ticking every interval.
func New(runner Runner, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:     runner,
		interval:   interval,
		logger:     log.Default(),
		runOnStart: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cron = cron.New()
	// Both the startup run and cron ticks go through the same chained
	// job, so the skip guard sees every invocation.
	s.job = cron.NewChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(s.logger)),
	).Then(cron.FuncJob(s.tick))
	return s
}

// Run blocks until ctx is cancelled, then waits for any in-flight cycle
// to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval < time.Second {
		return fmt.Errorf("scheduler: interval %s below 1s minimum", s.interval)
	}
	var startErr error
	s.startOnce.Do(func() {
		s.rootCtx = ctx
		_, err := s.cron.AddJob("@every "+s.interval.String(), s.job)
		if err != nil {
			startErr = err
			return
		}
		s.logger.Printf("scheduler: polling every %s", s.interval)
		if s.runOnStart {
			go s.job.Run()
		}
		s.cron.Start()
	})
	if startErr != nil {
		return startErr
	}

	<-ctx.Done()
	s.stop()
	return nil
}

func (s *Scheduler) tick() {
	ctx := s.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if err := s.runner.RunCycle(ctx); err != nil {
		s.logger.Printf("scheduler: cycle failed: %v", err)
	}
}

func (s *Scheduler) stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Printf("scheduler: timed out waiting for cycle to finish")
		}
	})
}
