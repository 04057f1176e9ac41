package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/instagram"
	"github.com/gramflow-labs/gramflow/nodes"
	"github.com/gramflow-labs/gramflow/store"
)

// RunServiceConfig configures a RunService.
type RunServiceConfig struct {
	Graphs   store.GraphStore
	Runs     store.RunStore
	Registry *flow.Registry
	Options  flow.RunOptions
	Events   flow.EventHandler
	Logger   *slog.Logger
}

// RunService turns incoming trigger events into engine runs. It owns
// graph lookup and compilation; the engine owns execution.
type RunService struct {
	graphs   store.GraphStore
	runs     store.RunStore
	registry *flow.Registry
	engine   *flow.Engine
	options  flow.RunOptions
	events   flow.EventHandler
	logger   *slog.Logger
}

// NewRunService wires a service over the given stores and registry.
func NewRunService(cfg RunServiceConfig) (*RunService, error) {
	if cfg.Graphs == nil {
		return nil, errors.New("run service graph store is nil")
	}
	if cfg.Runs == nil {
		return nil, errors.New("run service run store is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("run service registry is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Options.StepBudget == 0 && cfg.Options.Timeout == 0 {
		cfg.Options = flow.DefaultRunOptions()
	}

	engine, err := flow.NewEngine(flow.EngineConfig{
		Registry: cfg.Registry,
		Runs:     cfg.Runs,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &RunService{
		graphs:   cfg.Graphs,
		runs:     cfg.Runs,
		registry: cfg.Registry,
		engine:   engine,
		options:  cfg.Options,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}, nil
}

// NodeTypes lists the registered node types.
func (s *RunService) NodeTypes() []string { return s.registry.Types() }

// DispatchResult pairs one graph with the outcome of offering it the
// event.
type DispatchResult struct {
	GraphID string      `json:"graph_id"`
	Result  flow.Result `json:"result"`
}

// HandleEvent offers an incoming trigger event to every stored graph.
// Graphs without an entry for the event type are skipped silently. The
// event ID is scoped per graph so one delivery can feed several flows
// while each flow still deduplicates redeliveries.
func (s *RunService) HandleEvent(ctx context.Context, ev flow.TriggerEvent) ([]DispatchResult, error) {
	defs, err := s.graphs.Graphs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}

	var results []DispatchResult
	for _, def := range defs {
		if _, ok := def.Entries[ev.Type]; !ok {
			continue
		}
		res, err := s.runGraph(ctx, def, ev)
		if err != nil {
			s.logger.Error("dispatch failed",
				"graph_id", def.ID, "event_id", ev.EventID, "error", err)
			continue
		}
		results = append(results, DispatchResult{GraphID: def.ID, Result: res})
	}
	return results, nil
}

// DispatchToGraph offers an event to one specific graph. Used by the
// cron scheduler, where the tick already names its graph.
func (s *RunService) DispatchToGraph(ctx context.Context, graphID string, ev flow.TriggerEvent) (flow.Result, error) {
	def, err := s.graphs.Graph(ctx, graphID)
	if err != nil {
		return flow.Result{}, fmt.Errorf("graph %s: %w", graphID, err)
	}
	return s.runGraph(ctx, def, ev)
}

func (s *RunService) runGraph(ctx context.Context, def *flow.GraphDef, ev flow.TriggerEvent) (flow.Result, error) {
	g, diags, err := flow.Compile(def, s.registry)
	if err != nil {
		return flow.Result{}, fmt.Errorf("graph %s: %w (%d diagnostics)", def.ID, err, len(diags))
	}

	scoped := ev
	scoped.EventID = ev.EventID + ":" + def.ID

	opts := s.options
	opts.EventHandler = s.events
	return s.engine.RunWorkflow(ctx, g, scoped, opts)
}

// TestRun executes a graph definition synchronously against a caller
// supplied trigger, with recording stand-ins for the platform so no
// real messages leave the system. Nothing is persisted.
func (s *RunService) TestRun(ctx context.Context, def *flow.GraphDef, ev flow.TriggerEvent) (flow.Result, []instagram.SentAction, []flow.Diagnostic, error) {
	sender := &instagram.RecorderSender{}
	reg := nodes.MustRegistry(nodes.Deps{
		Sender:   sender,
		Composer: &instagram.StaticComposer{},
	})

	g, diags, err := flow.Compile(def, reg)
	if err != nil {
		return flow.Result{}, nil, diags, err
	}

	engine, err := flow.NewEngine(flow.EngineConfig{
		Registry: reg,
		Runs:     store.NewMemoryStore(),
		Logger:   s.logger,
	})
	if err != nil {
		return flow.Result{}, nil, diags, err
	}

	opts := s.options
	opts.EventHandler = s.events
	// Dry runs skip retry backoff waits.
	opts.Sleep = func(context.Context, time.Duration) error { return nil }

	res, err := engine.RunWorkflow(ctx, g, ev, opts)
	return res, sender.Sent, diags, err
}

// Resume re-enters one suspended run. The suspension must already be
// claimed by the caller.
func (s *RunService) Resume(ctx context.Context, sr store.SuspendedRun) (flow.Result, error) {
	def, err := s.graphs.Graph(ctx, sr.Run.GraphID)
	if err != nil {
		return flow.Result{}, fmt.Errorf("graph %s: %w", sr.Run.GraphID, err)
	}
	g, diags, err := flow.Compile(def, s.registry)
	if err != nil {
		return flow.Result{}, fmt.Errorf("graph %s: %w (%d diagnostics)", def.ID, err, len(diags))
	}

	opts := s.options
	opts.EventHandler = s.events
	return s.engine.ResumeWorkflow(ctx, g, sr.Run, sr.Suspension, opts)
}
