package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/CodeWizarz/FUZE/internal/workflow"
)

// uniqueViolation is the Postgres error code raised when an insert hits a
// unique index, here the partial index enforcing one active run per key.
const uniqueViolation = "23505"

// PostgresStore is the durable workflow.Store. The one-active-run-per-key
// invariant is enforced by the database itself (a partial unique index on
// key where state = 'running'), so it holds across processes, not just
// within one runner.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *workflow.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs
			(id, key, name, state, input, cancel_requested, parent_run_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, run.ID, run.Key, run.Name, run.State, run.Input, run.CancelRequested, run.ParentRunID, run.StartedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return workflow.ErrDuplicateRun
		}
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

const runColumns = `
	id, key, name, state, input, output,
	COALESCE(error, ''), cancel_requested, COALESCE(parent_run_id, ''),
	started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*workflow.Run, error) {
	run := &workflow.Run{}
	err := row.Scan(
		&run.ID, &run.Key, &run.Name, &run.State, &run.Input, &run.Output,
		&run.Error, &run.CancelRequested, &run.ParentRunID,
		&run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrRunNotFound
		}
		return nil, fmt.Errorf("get workflow run %s: %w", runID, err)
	}
	return run, nil
}

// GetRunByKey prefers the active run for the key; when none is running it
// returns the most recently started one.
func (s *PostgresStore) GetRunByKey(ctx context.Context, key string) (*workflow.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE key = $1
		ORDER BY (state = 'running') DESC, started_at DESC
		LIMIT 1
	`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrRunNotFound
		}
		return nil, fmt.Errorf("get workflow run by key %s: %w", key, err)
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *workflow.Run) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET state = $2, output = $3, error = NULLIF($4, ''), completed_at = $5
		WHERE id = $1
	`, run.ID, run.State, run.Output, run.Error, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("update workflow run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListRunsByState(ctx context.Context, state workflow.RunState) ([]*workflow.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE state = $1
		ORDER BY started_at
	`, state)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs by state %s: %w", state, err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

func (s *PostgresStore) ListChildRuns(ctx context.Context, parentRunID string) ([]*workflow.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE parent_run_id = $1
		ORDER BY started_at
	`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("list child runs of %s: %w", parentRunID, err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*workflow.Run, error) {
	var runs []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) MarkCancelRequested(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET cancel_requested = TRUE WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("mark cancel requested on run %s: %w", runID, err)
	}
	return nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, runID, stepName string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (run_id, step_name, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, step_name) DO UPDATE SET data = EXCLUDED.data
	`, runID, stepName, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", runID, stepName, err)
	}
	return nil
}

// GetCheckpoint returns nil when the step has no checkpoint. A completed
// step with no data comes back as an empty non-nil slice, which is how
// replay tells "not done" from "done with nothing to say".
func (s *PostgresStore) GetCheckpoint(ctx context.Context, runID, stepName string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(data, ''::bytea)
		FROM workflow_checkpoints
		WHERE run_id = $1 AND step_name = $2
	`, runID, stepName).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get checkpoint %s/%s: %w", runID, stepName, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *PostgresStore) AppendSignal(ctx context.Context, sig *workflow.Signal) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_signals (id, run_id, name, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, sig.ID, sig.RunID, sig.Name, sig.Payload, sig.CreatedAt).Scan(&sig.Seq)
	if err != nil {
		return fmt.Errorf("append signal %s to run %s: %w", sig.Name, sig.RunID, err)
	}
	return nil
}

// NextSignal consumes the oldest matching buffered signal. The delete of a
// locked sub-select keeps concurrent consumers from double-delivering.
func (s *PostgresStore) NextSignal(ctx context.Context, runID string, names []string) (*workflow.Signal, error) {
	sig := &workflow.Signal{}
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM workflow_signals
		WHERE seq = (
			SELECT seq FROM workflow_signals
			WHERE run_id = $1 AND name = ANY($2)
			ORDER BY seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, run_id, name, payload, seq, created_at
	`, runID, pq.Array(names)).Scan(
		&sig.ID, &sig.RunID, &sig.Name, &sig.Payload, &sig.Seq, &sig.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume signal for run %s: %w", runID, err)
	}
	return sig, nil
}

func (s *PostgresStore) PendingSignals(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_signals WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending signals for run %s: %w", runID, err)
	}
	return n, nil
}
