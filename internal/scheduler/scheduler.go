package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs a job immediately on Start and then every interval until
// Stop. It drives the periodic queue checkpoint.
type Scheduler struct {
	name     string
	interval time.Duration
	job      func(context.Context) error
	log      zerolog.Logger

	running atomic.Bool
	runs    atomic.Int64
	fails   atomic.Int64

	statMu  sync.Mutex
	lastRun time.Time
	lastErr string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Status struct {
	Name     string    `json:"name"`
	Running  bool      `json:"running"`
	Interval string    `json:"interval"`
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	LastErr  string    `json:"lastError,omitempty"`
}

func New(name string, interval time.Duration, job func(context.Context) error) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if job == nil {
		return nil, errors.New("job must not be nil")
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		log:      zerolog.Nop(),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) WithLogger(l zerolog.Logger) *Scheduler {
	s.log = l.With().Str("component", "scheduler").Str("job", s.name).Logger()
	return s
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info().Str("interval", s.interval.String()).Msg("scheduler started")

		s.safeRun(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.safeRun(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info().Msg("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	s.statMu.Lock()
	defer s.statMu.Unlock()

	return Status{
		Name:     s.name,
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Runs:     s.runs.Load(),
		Failures: s.fails.Load(),
		LastRun:  s.lastRun,
		LastErr:  s.lastErr,
	}
}

func (s *Scheduler) safeRun(ctx context.Context) {
	start := time.Now()
	err := s.call(ctx)

	s.runs.Add(1)
	s.statMu.Lock()
	s.lastRun = start
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.statMu.Unlock()

	if err != nil {
		s.fails.Add(1)
		s.log.Warn().Err(err).Msg("scheduled job failed")
		return
	}
	s.log.Debug().Int64("duration_ms", time.Since(start).Milliseconds()).Msg("scheduled job completed")
}

func (s *Scheduler) call(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.job(ctx)
}
