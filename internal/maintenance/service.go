// Package maintenance provides scheduled maintenance tasks for clusterd.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/clusterd/pkg/models"
)

// Deduper finds and merges near-duplicate clusters. *clustering.Engine
// implements it.
type Deduper interface {
	NearDuplicates(ctx context.Context, threshold float64, limit int) ([]models.DuplicatePair, error)
	MergeDuplicates(ctx context.Context, threshold float64, maxMerges int) ([]models.MergeResult, error)
}

// Optimizer refreshes planner statistics. The PostgreSQL store implements it.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Options configures the scheduler.
type Options struct {
	Interval           time.Duration
	InitialDelay       time.Duration
	DuplicateThreshold float64
	AutoMerge          bool
	// MaxMerges bounds merges per run; 0 means no bound.
	MaxMerges int
}

// Report summarises one maintenance run.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Duplicates int           `json:"duplicates"`
	Merged     int           `json:"merged"`
	Optimized  bool          `json:"optimized"`
}

// Service runs the duplicate sweep and store optimization on a timer.
type Service struct {
	log       zerolog.Logger
	lastRun   Report
	deduper   Deduper
	optimizer Optimizer
	stopCh    chan struct{}
	doneCh    chan struct{}
	opts      Options
	runs      int64
	merged    int64
	mu        sync.Mutex
	running   bool
}

// NewService creates a maintenance service. optimizer may be nil.
func NewService(deduper Deduper, optimizer Optimizer, opts Options, log zerolog.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Service{
		deduper:   deduper,
		optimizer: optimizer,
		opts:      opts,
		log:       log.With().Str("component", "maintenance").Logger(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the maintenance loop until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	s.log.Info().
		Dur("interval", s.opts.Interval).
		Float64("duplicate_threshold", s.opts.DuplicateThreshold).
		Bool("auto_merge", s.opts.AutoMerge).
		Msg("Starting maintenance scheduler")

	// Let the service settle before the first sweep.
	if s.opts.InitialDelay > 0 {
		delay := time.NewTimer(s.opts.InitialDelay)
		select {
		case <-ctx.Done():
			delay.Stop()
			return
		case <-s.stopCh:
			delay.Stop()
			return
		case <-delay.C:
		}
	}
	s.Run(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-ticker.C:
			s.Run(ctx)
		}
	}
}

// Stop signals the maintenance loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait blocks until Start has returned.
func (s *Service) Wait() {
	<-s.doneCh
}

// Run executes every task once and records the outcome.
func (s *Service) Run(ctx context.Context) Report {
	rep := Report{StartedAt: time.Now()}
	s.log.Info().Msg("Starting maintenance run")

	pairs, err := s.deduper.NearDuplicates(ctx, s.opts.DuplicateThreshold, 0)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to scan for duplicate clusters")
	} else {
		rep.Duplicates = len(pairs)
		for _, p := range pairs {
			s.log.Debug().
				Str("source", p.Source.ID.String()).
				Str("target", p.Target.ID.String()).
				Float64("similarity", p.Similarity).
				Msg("Near-duplicate clusters")
		}
	}

	if s.opts.AutoMerge && rep.Duplicates > 0 {
		merged, err := s.deduper.MergeDuplicates(ctx, s.opts.DuplicateThreshold, s.opts.MaxMerges)
		rep.Merged = len(merged)
		if err != nil {
			s.log.Error().Err(err).Int("merged", rep.Merged).Msg("Duplicate merge stopped early")
		}
	}

	if s.optimizer != nil {
		if err := s.optimizer.Optimize(ctx); err != nil {
			s.log.Error().Err(err).Msg("Failed to optimize database")
		} else {
			rep.Optimized = true
		}
	}

	rep.Duration = time.Since(rep.StartedAt)

	s.mu.Lock()
	s.lastRun = rep
	s.runs++
	s.merged += int64(rep.Merged)
	s.mu.Unlock()

	s.log.Info().
		Dur("duration", rep.Duration).
		Int("duplicates", rep.Duplicates).
		Int("merged", rep.Merged).
		Msg("Maintenance run completed")
	return rep
}

// RunNow triggers an immediate run in the background.
func (s *Service) RunNow(ctx context.Context) {
	go s.Run(ctx)
}

// Stats returns maintenance statistics.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"interval":            s.opts.Interval.String(),
		"duplicate_threshold": s.opts.DuplicateThreshold,
		"auto_merge":          s.opts.AutoMerge,
		"last_run":            s.lastRun,
		"total_runs":          s.runs,
		"total_merged":        s.merged,
		"running":             s.running,
	}
}
