// Package store persists graph definitions, run records, and suspended
// run state. The SQLite implementation is the production path; the
// memory implementation backs tests and dry runs.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gramflow-labs/gramflow/flow"
)

// ErrNotFound is returned when a graph or run does not exist.
var ErrNotFound = errors.New("not found")

// GraphStore persists graph definitions.
type GraphStore interface {
	SaveGraph(ctx context.Context, def *flow.GraphDef) error
	Graph(ctx context.Context, id string) (*flow.GraphDef, error)
	Graphs(ctx context.Context) ([]*flow.GraphDef, error)
	DeleteGraph(ctx context.Context, id string) error
}

// SuspendedRun pairs a suspended run with its parked state.
type SuspendedRun struct {
	Run        flow.Run
	Suspension flow.Suspension
}

// RunStore extends the executor's write interface with the queries the
// HTTP API and the resume scheduler need.
type RunStore interface {
	flow.RunStore

	Run(ctx context.Context, id string) (flow.Run, error)
	RunByEvent(ctx context.Context, eventID string) (flow.Run, error)
	Runs(ctx context.Context, graphID string, limit int) ([]flow.Run, error)

	// DueSuspensions lists unclaimed suspended runs whose resume time
	// has passed.
	DueSuspensions(ctx context.Context, now time.Time) ([]SuspendedRun, error)

	// ClaimSuspension marks a suspension as taken by a resume worker.
	// Exactly one concurrent caller wins; the rest get ErrNotFound.
	ClaimSuspension(ctx context.Context, runID, token string) error
}

// MemoryStore is an in-memory GraphStore and RunStore.
type MemoryStore struct {
	mu          sync.Mutex
	graphs      map[string]*flow.GraphDef
	runs        map[string]flow.Run
	runsByEvent map[string]string
	suspensions map[string]flow.Suspension
	claimed     map[string]bool
}

var (
	_ GraphStore = (*MemoryStore)(nil)
	_ RunStore   = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graphs:      make(map[string]*flow.GraphDef),
		runs:        make(map[string]flow.Run),
		runsByEvent: make(map[string]string),
		suspensions: make(map[string]flow.Suspension),
		claimed:     make(map[string]bool),
	}
}

func (s *MemoryStore) SaveGraph(_ context.Context, def *flow.GraphDef) error {
	if def == nil || def.ID == "" {
		return errors.New("graph id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[def.ID] = def
	return nil
}

func (s *MemoryStore) Graph(_ context.Context, id string) (*flow.GraphDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.graphs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

func (s *MemoryStore) Graphs(_ context.Context) ([]*flow.GraphDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*flow.GraphDef, 0, len(s.graphs))
	for _, def := range s.graphs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteGraph(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[id]; !ok {
		return ErrNotFound
	}
	delete(s.graphs, id)
	return nil
}

func (s *MemoryStore) Begin(_ context.Context, run flow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runsByEvent[run.EventID]; exists {
		return flow.ErrAlreadyRunning
	}
	s.runs[run.ID] = run
	s.runsByEvent[run.EventID] = run.ID
	return nil
}

func (s *MemoryStore) Suspend(_ context.Context, run flow.Run, susp flow.Suspension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	s.runs[run.ID] = run
	s.suspensions[run.ID] = susp
	s.claimed[run.ID] = false
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, run flow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	s.runs[run.ID] = run
	delete(s.suspensions, run.ID)
	delete(s.claimed, run.ID)
	return nil
}

func (s *MemoryStore) Run(_ context.Context, id string) (flow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return flow.Run{}, ErrNotFound
	}
	return run, nil
}

func (s *MemoryStore) RunByEvent(_ context.Context, eventID string) (flow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.runsByEvent[eventID]
	if !ok {
		return flow.Run{}, ErrNotFound
	}
	return s.runs[id], nil
}

func (s *MemoryStore) Runs(_ context.Context, graphID string, limit int) ([]flow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.Run
	for _, run := range s.runs {
		if graphID != "" && run.GraphID != graphID {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DueSuspensions(_ context.Context, now time.Time) ([]SuspendedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SuspendedRun
	for runID, susp := range s.suspensions {
		if s.claimed[runID] || susp.ResumeAfter.After(now) {
			continue
		}
		out = append(out, SuspendedRun{Run: s.runs[runID], Suspension: susp})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Suspension.ResumeAfter.Before(out[j].Suspension.ResumeAfter)
	})
	return out, nil
}

func (s *MemoryStore) ClaimSuspension(_ context.Context, runID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	susp, ok := s.suspensions[runID]
	if !ok || susp.Token != token || s.claimed[runID] {
		return ErrNotFound
	}
	s.claimed[runID] = true
	return nil
}
