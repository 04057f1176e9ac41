package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gramflow-labs/gramflow/flow"
)

// storeUnderTest runs the shared contract suite against both
// implementations.
type storeUnderTest struct {
	GraphStore
	RunStore
}

func openStores(t *testing.T) map[string]storeUnderTest {
	t.Helper()
	mem := NewMemoryStore()
	sqlite, err := NewSQLiteStore(SQLiteStoreConfig{
		DSN: filepath.Join(t.TempDir(), "gramflow.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]storeUnderTest{
		"memory": {GraphStore: mem, RunStore: mem},
		"sqlite": {GraphStore: sqlite, RunStore: sqlite},
	}
}

func testGraph(id string) *flow.GraphDef {
	return &flow.GraphDef{
		ID:    id,
		Owner: "acct-1",
		Name:  "welcome flow",
		Nodes: []flow.NodeDef{{ID: "t0", Type: "trigger"}},
		Entries: map[flow.TriggerType]string{
			flow.TriggerCommentReceived: "t0",
		},
	}
}

func testRun(id, eventID string) flow.Run {
	return flow.Run{
		ID:          id,
		GraphID:     "g1",
		EventID:     eventID,
		TriggerType: flow.TriggerCommentReceived,
		Status:      flow.StatusRunning,
		StartedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestStore_GraphLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.Graph(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Graph(missing) error = %v, want ErrNotFound", err)
			}

			def := testGraph("g1")
			if err := s.SaveGraph(ctx, def); err != nil {
				t.Fatalf("SaveGraph() error = %v", err)
			}
			if err := s.SaveGraph(ctx, testGraph("g2")); err != nil {
				t.Fatalf("SaveGraph(g2) error = %v", err)
			}

			got, err := s.Graph(ctx, "g1")
			if err != nil {
				t.Fatalf("Graph() error = %v", err)
			}
			if got.Name != "welcome flow" || got.Owner != "acct-1" {
				t.Errorf("Graph() = %+v", got)
			}
			if len(got.Nodes) != 1 || got.Nodes[0].ID != "t0" {
				t.Errorf("nodes = %v, want t0", got.Nodes)
			}
			if got.Entries[flow.TriggerCommentReceived] != "t0" {
				t.Errorf("entries = %v", got.Entries)
			}

			// Upsert replaces the stored definition.
			def.Name = "renamed"
			if err := s.SaveGraph(ctx, def); err != nil {
				t.Fatalf("SaveGraph(update) error = %v", err)
			}
			got, err = s.Graph(ctx, "g1")
			if err != nil || got.Name != "renamed" {
				t.Errorf("Graph() after update = %+v, %v", got, err)
			}

			defs, err := s.Graphs(ctx)
			if err != nil {
				t.Fatalf("Graphs() error = %v", err)
			}
			if len(defs) != 2 {
				t.Errorf("Graphs() = %d graphs, want 2", len(defs))
			}

			if err := s.DeleteGraph(ctx, "g2"); err != nil {
				t.Errorf("DeleteGraph() error = %v", err)
			}
			if err := s.DeleteGraph(ctx, "g2"); !errors.Is(err, ErrNotFound) {
				t.Errorf("DeleteGraph(again) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_BeginRejectsDuplicateEvent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.Begin(ctx, testRun("r1", "evt-1")); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			err := s.Begin(ctx, testRun("r2", "evt-1"))
			if !errors.Is(err, flow.ErrAlreadyRunning) {
				t.Errorf("Begin(duplicate event) error = %v, want ErrAlreadyRunning", err)
			}

			got, err := s.RunByEvent(ctx, "evt-1")
			if err != nil {
				t.Fatalf("RunByEvent() error = %v", err)
			}
			if got.ID != "r1" {
				t.Errorf("RunByEvent().ID = %q, want the first run", got.ID)
			}
		})
	}
}

func TestStore_FinishPersistsTerminalState(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := testRun("r1", "evt-1")
			if err := s.Begin(ctx, run); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}

			finished := time.Now().UTC().Truncate(time.Millisecond)
			run.Status = flow.StatusSucceeded
			run.LastNodeID = "dm0"
			run.FinishedAt = &finished
			run.Ledger = []flow.LedgerEntry{{
				Key: "evt-1:dm0", NodeID: "dm0", Action: "send_dm",
				Attempt: 1, Status: flow.LedgerSucceeded, At: finished,
			}}
			if err := s.Finish(ctx, run); err != nil {
				t.Fatalf("Finish() error = %v", err)
			}

			got, err := s.Run(ctx, "r1")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got.Status != flow.StatusSucceeded || got.LastNodeID != "dm0" {
				t.Errorf("Run() = %+v", got)
			}
			if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
				t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
			}
			if len(got.Ledger) != 1 || got.Ledger[0].Key != "evt-1:dm0" {
				t.Errorf("Ledger = %+v", got.Ledger)
			}
		})
	}
}

func TestStore_RunsFilterAndLimit(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)
			for i, spec := range []struct {
				id, event, graph string
			}{
				{"r1", "evt-1", "g1"},
				{"r2", "evt-2", "g1"},
				{"r3", "evt-3", "g2"},
			} {
				run := testRun(spec.id, spec.event)
				run.GraphID = spec.graph
				run.StartedAt = base.Add(time.Duration(i) * time.Second)
				if err := s.Begin(ctx, run); err != nil {
					t.Fatalf("Begin(%s) error = %v", spec.id, err)
				}
			}

			runs, err := s.Runs(ctx, "g1", 0)
			if err != nil {
				t.Fatalf("Runs() error = %v", err)
			}
			if len(runs) != 2 {
				t.Fatalf("Runs(g1) = %d, want 2", len(runs))
			}
			if runs[0].ID != "r2" {
				t.Errorf("Runs(g1)[0].ID = %q, want newest first", runs[0].ID)
			}

			runs, err = s.Runs(ctx, "", 1)
			if err != nil {
				t.Fatalf("Runs() error = %v", err)
			}
			if len(runs) != 1 || runs[0].ID != "r3" {
				t.Errorf("Runs(limit 1) = %v, want [r3]", runs)
			}
		})
	}
}

func TestStore_SuspensionLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			run := testRun("r1", "evt-1")
			if err := s.Begin(ctx, run); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}

			run.Status = flow.StatusSuspended
			run.LastNodeID = "d0"
			susp := flow.Suspension{
				Token:       "tok-1",
				NodeID:      "d0",
				ResumeAfter: now.Add(-time.Minute),
				Context: flow.ContextSnapshot{
					Trigger: flow.TriggerEvent{
						Type:    flow.TriggerCommentReceived,
						EventID: "evt-1",
					},
					Steps:    2,
					Deadline: now.Add(time.Hour),
				},
			}
			if err := s.Suspend(ctx, run, susp); err != nil {
				t.Fatalf("Suspend() error = %v", err)
			}

			due, err := s.DueSuspensions(ctx, now)
			if err != nil {
				t.Fatalf("DueSuspensions() error = %v", err)
			}
			if len(due) != 1 {
				t.Fatalf("DueSuspensions() = %d, want 1", len(due))
			}
			if due[0].Run.ID != "r1" || due[0].Suspension.Token != "tok-1" {
				t.Errorf("due[0] = %+v", due[0])
			}
			if due[0].Suspension.Context.Steps != 2 {
				t.Errorf("snapshot steps = %d, want 2", due[0].Suspension.Context.Steps)
			}

			// Wrong token never claims.
			if err := s.ClaimSuspension(ctx, "r1", "bogus"); !errors.Is(err, ErrNotFound) {
				t.Errorf("ClaimSuspension(bad token) error = %v, want ErrNotFound", err)
			}
			if err := s.ClaimSuspension(ctx, "r1", "tok-1"); err != nil {
				t.Fatalf("ClaimSuspension() error = %v", err)
			}
			// Exactly one claim wins.
			if err := s.ClaimSuspension(ctx, "r1", "tok-1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("ClaimSuspension(again) error = %v, want ErrNotFound", err)
			}

			due, err = s.DueSuspensions(ctx, now)
			if err != nil {
				t.Fatalf("DueSuspensions() error = %v", err)
			}
			if len(due) != 0 {
				t.Errorf("DueSuspensions() after claim = %d, want 0", len(due))
			}

			// Finishing the run clears the parked state entirely.
			finished := now
			run.Status = flow.StatusSucceeded
			run.FinishedAt = &finished
			if err := s.Finish(ctx, run); err != nil {
				t.Fatalf("Finish() error = %v", err)
			}
			if err := s.ClaimSuspension(ctx, "r1", "tok-1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("ClaimSuspension(after finish) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_DueSuspensionsSkipsFuture(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			run := testRun("r1", "evt-1")
			if err := s.Begin(ctx, run); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			run.Status = flow.StatusSuspended
			susp := flow.Suspension{Token: "tok-1", NodeID: "d0", ResumeAfter: now.Add(time.Hour)}
			if err := s.Suspend(ctx, run, susp); err != nil {
				t.Fatalf("Suspend() error = %v", err)
			}

			due, err := s.DueSuspensions(ctx, now)
			if err != nil {
				t.Fatalf("DueSuspensions() error = %v", err)
			}
			if len(due) != 0 {
				t.Errorf("DueSuspensions() = %d, want 0 before resume time", len(due))
			}

			due, err = s.DueSuspensions(ctx, now.Add(2*time.Hour))
			if err != nil {
				t.Fatalf("DueSuspensions() error = %v", err)
			}
			if len(due) != 1 {
				t.Errorf("DueSuspensions() = %d, want 1 after resume time", len(due))
			}
		})
	}
}
