package workflow

import "context"

// Store is the persistence contract the substrate requires: keyed point
// reads and writes for runs, checkpoints and signals. Implementations must
// make CreateRun atomic with respect to the one-active-run-per-key
// constraint, and NextSignal atomic with respect to concurrent consumers.
type Store interface {
	// CreateRun persists a new run. Returns ErrDuplicateRun when another
	// run with the same key is still running.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run with the given id, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// GetRunByKey returns the most recently started run for the key,
	// or ErrRunNotFound.
	GetRunByKey(ctx context.Context, key string) (*Run, error)

	// UpdateRun persists changes to an existing run.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRunsByState returns runs in the given state, oldest first.
	ListRunsByState(ctx context.Context, state RunState) ([]*Run, error)

	// ListChildRuns returns runs whose parent is the given run.
	ListChildRuns(ctx context.Context, parentRunID string) ([]*Run, error)

	// MarkCancelRequested sets the cancel flag on a run. Idempotent.
	MarkCancelRequested(ctx context.Context, runID string) error

	// SaveCheckpoint records the result of a completed step, replacing
	// any previous checkpoint for the same run and step.
	SaveCheckpoint(ctx context.Context, runID, stepName string, data []byte) error

	// GetCheckpoint returns the recorded data for a step, or nil when the
	// step has not completed. Note: a completed step may legitimately have
	// empty (non-nil) data.
	GetCheckpoint(ctx context.Context, runID, stepName string) ([]byte, error)

	// AppendSignal buffers a signal for a run. The store assigns Seq so
	// that per-run delivery order is preserved.
	AppendSignal(ctx context.Context, sig *Signal) error

	// NextSignal atomically consumes and returns the oldest buffered
	// signal for the run whose name is in names. Returns nil when no
	// matching signal is buffered.
	NextSignal(ctx context.Context, runID string, names []string) (*Signal, error)

	// PendingSignals returns the number of buffered, unconsumed signals
	// for the run.
	PendingSignals(ctx context.Context, runID string) (int, error)
}
