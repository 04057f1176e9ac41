package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gramflow-labs/gramflow/flow"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS graphs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	definition BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	graph_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	status TEXT NOT NULL,
	last_node_id TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	ledger BLOB NOT NULL DEFAULT '[]',
	started_at TEXT NOT NULL,
	finished_at TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_event_id ON runs(event_id);
CREATE INDEX IF NOT EXISTS idx_runs_graph ON runs(graph_id, started_at);

CREATE TABLE IF NOT EXISTS suspensions (
	run_id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	node_id TEXT NOT NULL,
	resume_after TEXT NOT NULL,
	context BLOB NOT NULL,
	claimed INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_suspensions_due ON suspensions(claimed, resume_after);`

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists graphs, runs, and suspensions in SQLite. The
// unique index on runs.event_id is what makes Begin the cross-process
// idempotency gate for webhook deliveries.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ GraphStore = (*SQLiteStore)(nil)
	_ RunStore   = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite-backed store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveGraph(ctx context.Context, def *flow.GraphDef) error {
	if def == nil || def.ID == "" {
		return errors.New("graph id is required")
	}
	blob, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("sqlite store encode graph: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO graphs (id, owner, name, version, definition, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner = excluded.owner,
	name = excluded.name,
	version = excluded.version,
	definition = excluded.definition,
	updated_at = excluded.updated_at`,
		def.ID, def.Owner, def.Name, def.Version, blob, now, now)
	if err != nil {
		return fmt.Errorf("sqlite store save graph: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Graph(ctx context.Context, id string) (*flow.GraphDef, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT definition FROM graphs WHERE id = ?", id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("graph %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store get graph: %w", err)
	}
	var def flow.GraphDef
	if err := json.Unmarshal(blob, &def); err != nil {
		return nil, fmt.Errorf("sqlite store decode graph: %w", err)
	}
	return &def, nil
}

func (s *SQLiteStore) Graphs(ctx context.Context) ([]*flow.GraphDef, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT definition FROM graphs ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("sqlite store list graphs: %w", err)
	}
	defer rows.Close()

	var defs []*flow.GraphDef
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("sqlite store scan graph: %w", err)
		}
		var def flow.GraphDef
		if err := json.Unmarshal(blob, &def); err != nil {
			return nil, fmt.Errorf("sqlite store decode graph: %w", err)
		}
		defs = append(defs, &def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list graph rows: %w", err)
	}
	return defs, nil
}

func (s *SQLiteStore) DeleteGraph(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM graphs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite store delete graph: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store delete graph: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("graph %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Begin(ctx context.Context, run flow.Run) error {
	ledger, err := encodeLedger(run.Ledger)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, graph_id, event_id, trigger_type, status, last_node_id, note, error, ledger, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.GraphID, run.EventID, string(run.TriggerType), string(run.Status),
		run.LastNodeID, run.Note, run.Error, ledger,
		run.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isEventUniqueViolation(err) {
			return fmt.Errorf("event %q: %w", run.EventID, flow.ErrAlreadyRunning)
		}
		return fmt.Errorf("sqlite store begin run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Suspend(ctx context.Context, run flow.Run, susp flow.Suspension) error {
	snapshot, err := json.Marshal(susp.Context)
	if err != nil {
		return fmt.Errorf("sqlite store encode snapshot: %w", err)
	}
	ledger, err := encodeLedger(run.Ledger)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store suspend run: %w", err)
	}
	defer tx.Rollback()

	if err := updateRun(ctx, tx, run, ledger, nil); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO suspensions (run_id, token, node_id, resume_after, context, claimed)
VALUES (?, ?, ?, ?, ?, 0)
ON CONFLICT(run_id) DO UPDATE SET
	token = excluded.token,
	node_id = excluded.node_id,
	resume_after = excluded.resume_after,
	context = excluded.context,
	claimed = 0`,
		run.ID, susp.Token, susp.NodeID,
		susp.ResumeAfter.UTC().Format(time.RFC3339Nano), snapshot)
	if err != nil {
		return fmt.Errorf("sqlite store save suspension: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Finish(ctx context.Context, run flow.Run) error {
	ledger, err := encodeLedger(run.Ledger)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store finish run: %w", err)
	}
	defer tx.Rollback()

	if err := updateRun(ctx, tx, run, ledger, run.FinishedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM suspensions WHERE run_id = ?", run.ID); err != nil {
		return fmt.Errorf("sqlite store clear suspension: %w", err)
	}
	return tx.Commit()
}

func updateRun(ctx context.Context, tx *sql.Tx, run flow.Run, ledger []byte, finishedAt *time.Time) error {
	var finished any
	if finishedAt != nil {
		finished = finishedAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE runs
SET status = ?, last_node_id = ?, note = ?, error = ?, ledger = ?, finished_at = ?
WHERE id = ?`,
		string(run.Status), run.LastNodeID, run.Note, run.Error, ledger, finished, run.ID)
	if err != nil {
		return fmt.Errorf("sqlite store update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %q: %w", run.ID, ErrNotFound)
	}
	return nil
}

const runColumns = "id, graph_id, event_id, trigger_type, status, last_node_id, note, error, ledger, started_at, finished_at"

func (s *SQLiteStore) Run(ctx context.Context, id string) (flow.Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return flow.Run{}, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return run, err
}

func (s *SQLiteStore) RunByEvent(ctx context.Context, eventID string) (flow.Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE event_id = ?", eventID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return flow.Run{}, fmt.Errorf("event %q: %w", eventID, ErrNotFound)
	}
	return run, err
}

func (s *SQLiteStore) Runs(ctx context.Context, graphID string, limit int) ([]flow.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + runColumns + " FROM runs"
	args := []any{}
	if graphID != "" {
		query += " WHERE graph_id = ?"
		args = append(args, graphID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list runs: %w", err)
	}
	defer rows.Close()

	var runs []flow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list run rows: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) DueSuspensions(ctx context.Context, now time.Time) ([]SuspendedRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.graph_id, r.event_id, r.trigger_type, r.status, r.last_node_id, r.note, r.error, r.ledger, r.started_at, r.finished_at,
	s.token, s.node_id, s.resume_after, s.context
FROM suspensions s
JOIN runs r ON r.id = s.run_id
WHERE s.claimed = 0 AND s.resume_after <= ?
ORDER BY s.resume_after ASC`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("sqlite store due suspensions: %w", err)
	}
	defer rows.Close()

	var out []SuspendedRun
	for rows.Next() {
		var (
			run         flow.Run
			trigger     string
			status      string
			ledger      []byte
			startedAt   string
			finishedAt  sql.NullString
			resumeAfter string
			snapshot    []byte
			susp        flow.Suspension
		)
		if err := rows.Scan(
			&run.ID, &run.GraphID, &run.EventID, &trigger, &status,
			&run.LastNodeID, &run.Note, &run.Error, &ledger, &startedAt, &finishedAt,
			&susp.Token, &susp.NodeID, &resumeAfter, &snapshot,
		); err != nil {
			return nil, fmt.Errorf("sqlite store scan suspension: %w", err)
		}
		if err := finishRunScan(&run, trigger, status, ledger, startedAt, finishedAt); err != nil {
			return nil, err
		}
		susp.ResumeAfter, err = parseTime(resumeAfter)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(snapshot, &susp.Context); err != nil {
			return nil, fmt.Errorf("sqlite store decode snapshot: %w", err)
		}
		out = append(out, SuspendedRun{Run: run, Suspension: susp})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store due suspension rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ClaimSuspension(ctx context.Context, runID, token string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE suspensions SET claimed = 1
WHERE run_id = ? AND token = ? AND claimed = 0`, runID, token)
	if err != nil {
		return fmt.Errorf("sqlite store claim suspension: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store claim suspension: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("suspension for run %q: %w", runID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (flow.Run, error) {
	var (
		run        flow.Run
		trigger    string
		status     string
		ledger     []byte
		startedAt  string
		finishedAt sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.GraphID, &run.EventID, &trigger, &status,
		&run.LastNodeID, &run.Note, &run.Error, &ledger, &startedAt, &finishedAt)
	if err != nil {
		return flow.Run{}, err
	}
	if err := finishRunScan(&run, trigger, status, ledger, startedAt, finishedAt); err != nil {
		return flow.Run{}, err
	}
	return run, nil
}

func finishRunScan(run *flow.Run, trigger, status string, ledger []byte, startedAt string, finishedAt sql.NullString) error {
	run.TriggerType = flow.TriggerType(trigger)
	run.Status = flow.Status(status)
	if len(ledger) > 0 {
		if err := json.Unmarshal(ledger, &run.Ledger); err != nil {
			return fmt.Errorf("sqlite store decode ledger: %w", err)
		}
	}
	started, err := parseTime(startedAt)
	if err != nil {
		return err
	}
	run.StartedAt = started
	if finishedAt.Valid {
		finished, err := parseTime(finishedAt.String)
		if err != nil {
			return err
		}
		run.FinishedAt = &finished
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite store parse time %q: %w", s, err)
	}
	return t, nil
}

func encodeLedger(entries []flow.LedgerEntry) ([]byte, error) {
	if entries == nil {
		return []byte("[]"), nil
	}
	blob, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("sqlite store encode ledger: %w", err)
	}
	return blob, nil
}

func isEventUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: runs.event_id")
}
