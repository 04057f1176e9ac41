package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gramflow-labs/gramflow/store"
)

const (
	defaultResumePollInterval = 5 * time.Second
)

// ResumeSchedulerConfig configures the background resume runner.
type ResumeSchedulerConfig struct {
	Service      *RunService
	Runs         store.RunStore
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// ResumeScheduler polls for suspended runs whose resume time has
// passed and re-enters them. Claiming a suspension before resuming
// keeps concurrent pollers from double-resuming the same run.
type ResumeScheduler struct {
	service      *RunService
	runs         store.RunStore
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewResumeScheduler creates a resume scheduler instance.
func NewResumeScheduler(cfg ResumeSchedulerConfig) (*ResumeScheduler, error) {
	if cfg.Service == nil {
		return nil, errors.New("resume scheduler service is nil")
	}
	if cfg.Runs == nil {
		return nil, errors.New("resume scheduler run store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultResumePollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ResumeScheduler{
		service:      cfg.Service,
		runs:         cfg.Runs,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
		active:       map[string]struct{}{},
	}, nil
}

// Start starts background polling. Calling Start on a running
// scheduler is a no-op.
func (s *ResumeScheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop stops background polling and waits for the loop to exit.
func (s *ResumeScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single polling pass.
func (s *ResumeScheduler) RunOnce(ctx context.Context) error {
	due, err := s.runs.DueSuspensions(ctx, s.now())
	if err != nil {
		s.logger.Error("list due suspensions", "error", err)
		return err
	}

	for _, sr := range due {
		s.processDue(ctx, sr)
	}
	return nil
}

func (s *ResumeScheduler) processDue(ctx context.Context, sr store.SuspendedRun) {
	if s.isActive(sr.Run.ID) {
		return
	}
	err := s.runs.ClaimSuspension(ctx, sr.Run.ID, sr.Suspension.Token)
	if errors.Is(err, store.ErrNotFound) {
		// Another poller won the claim.
		return
	}
	if err != nil {
		s.logger.Error("claim suspension", "run_id", sr.Run.ID, "error", err)
		return
	}

	s.markActive(sr.Run.ID)
	go func() {
		defer s.unmarkActive(sr.Run.ID)

		resumeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		res, err := s.service.Resume(resumeCtx, sr)
		if err != nil {
			s.logger.Error("resume run failed",
				"run_id", sr.Run.ID, "graph_id", sr.Run.GraphID, "error", err)
			return
		}
		s.logger.Info("run resumed",
			"run_id", sr.Run.ID, "graph_id", sr.Run.GraphID, "status", string(res.Status))
	}()
}

func (s *ResumeScheduler) isActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

func (s *ResumeScheduler) markActive(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[runID] = struct{}{}
}

func (s *ResumeScheduler) unmarkActive(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, runID)
}
