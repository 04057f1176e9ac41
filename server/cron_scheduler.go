package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/store"
)

const defaultCronPollInterval = 30 * time.Second

// CronSchedulerConfig configures the background cron runner.
type CronSchedulerConfig struct {
	Service      *RunService
	Graphs       store.GraphStore
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// CronScheduler fires scheduled entries for graphs that declare a cron
// expression. Tick event IDs are derived from the graph and the tick
// time, so overlapping pollers in different processes collapse into a
// single run through run-store uniqueness.
type CronScheduler struct {
	service      *RunService
	graphs       store.GraphStore
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu        sync.Mutex
	lastCheck time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewCronScheduler creates a cron scheduler instance.
func NewCronScheduler(cfg CronSchedulerConfig) (*CronScheduler, error) {
	if cfg.Service == nil {
		return nil, errors.New("cron scheduler service is nil")
	}
	if cfg.Graphs == nil {
		return nil, errors.New("cron scheduler graph store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultCronPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CronScheduler{
		service:      cfg.Service,
		graphs:       cfg.Graphs,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
		lastCheck:    cfg.Now(),
	}, nil
}

// Start starts background polling. Calling Start on a running
// scheduler is a no-op.
func (s *CronScheduler) Start() {
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
func (s *CronScheduler) Stop(ctx context.Context) error {
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

// RunOnce fires every scheduled tick that became due since the last
// pass.
func (s *CronScheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	s.mu.Lock()
	from := s.lastCheck
	s.lastCheck = now
	s.mu.Unlock()

	defs, err := s.graphs.Graphs(ctx)
	if err != nil {
		s.logger.Error("cron list graphs", "error", err)
		return err
	}

	for _, def := range defs {
		if def.Schedule == "" {
			continue
		}
		if _, ok := def.Entries[flow.TriggerScheduled]; !ok {
			continue
		}
		schedule, err := parseCronExpressionUTC(def.Schedule)
		if err != nil {
			s.logger.Error("cron parse schedule",
				"graph_id", def.ID, "schedule", def.Schedule, "error", err)
			continue
		}
		for _, tick := range cronTicksBetween(schedule, from, now) {
			s.fireTick(ctx, def.ID, tick)
		}
	}
	return nil
}

func (s *CronScheduler) fireTick(ctx context.Context, graphID string, tick time.Time) {
	ev := flow.TriggerEvent{
		Type:    flow.TriggerScheduled,
		EventID: "sched:" + graphID + ":" + tick.UTC().Format(time.RFC3339),
		Payload: map[string]any{
			"scheduled_at": tick.UTC().Format(time.RFC3339),
		},
		ReceivedAt: s.now().UTC(),
	}
	res, err := s.service.DispatchToGraph(ctx, graphID, ev)
	if err != nil {
		s.logger.Error("cron dispatch failed",
			"graph_id", graphID, "event_id", ev.EventID, "error", err)
		return
	}
	s.logger.Info("scheduled run fired",
		"graph_id", graphID, "event_id", ev.EventID, "status", string(res.Status))
}
