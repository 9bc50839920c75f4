package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultInitialDelay = 2 * time.Second
	// MinInterval is the shortest interval accepted from configuration.
	MinInterval = 10 * time.Second
)

// Scheduler runs the pipeline for each subject on a fixed interval. Runs
// for one subject never overlap: a tick that finds the previous run still
// going is skipped.
type Scheduler struct {
	pipeline     *Pipeline
	subjects     []string
	interval     time.Duration
	initialDelay time.Duration
	logger       *slog.Logger

	// one-slot semaphore per subject
	slots map[string]chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped Scheduler. A zero interval selects
// DefaultInterval and a negative initial delay DefaultInitialDelay.
func NewScheduler(p *Pipeline, subjects []string, interval, initialDelay time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if initialDelay < 0 {
		initialDelay = DefaultInitialDelay
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	slots := make(map[string]chan struct{}, len(subjects))
	for _, s := range subjects {
		slots[s] = make(chan struct{}, 1)
	}
	return &Scheduler{
		pipeline:     p,
		subjects:     subjects,
		interval:     interval,
		initialDelay: initialDelay,
		logger:       logger,
		slots:        slots,
	}
}

// Subjects returns the scheduled subject ids in configuration order.
func (s *Scheduler) Subjects() []string {
	return s.subjects
}

// Start launches one loop per subject. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for _, subject := range s.subjects {
		s.wg.Add(1)
		go s.loop(ctx, subject)
	}
	s.logger.Info("snapshot scheduler started", "subjects", len(s.subjects), "interval", s.interval)
}

// Stop cancels every loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("snapshot scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, subject string) {
	defer s.wg.Done()

	timer := time.NewTimer(s.initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.tick(ctx, subject)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, subject)
		}
	}
}

// tick runs the pipeline unless a run for subject is already in flight.
// Failures are logged; the next tick retries.
func (s *Scheduler) tick(ctx context.Context, subject string) {
	slot := s.slots[subject]
	select {
	case slot <- struct{}{}:
	default:
		s.logger.Debug("snapshot tick skipped, previous run still active", "subject", subject)
		return
	}
	defer func() { <-slot }()

	if _, err := s.pipeline.Run(ctx, subject); err != nil {
		if ctx.Err() != nil {
			return
		}
		level := slog.LevelWarn
		if apperr.CodeOf(err) == apperr.Internal {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "snapshot tick failed", "subject", subject, "code", apperr.CodeOf(err), "error", err)
	}
}

// TakeNow runs the pipeline for subject immediately, waiting for any
// in-flight scheduled run to finish first.
func (s *Scheduler) TakeNow(ctx context.Context, subject string) (Result, error) {
	slot, ok := s.slots[subject]
	if !ok {
		return Result{}, apperr.New(apperr.NotFound, "subject %q is not scheduled", subject)
	}
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return Result{}, apperr.FromContext(ctx.Err(), "snapshot run")
	}
	defer func() { <-slot }()

	return s.pipeline.Run(ctx, subject)
}
