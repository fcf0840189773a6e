// Package workflow is a durable-execution substrate for keyed, long-running
// state machines. A workflow run persists a checkpoint after every completed
// step; when the executing process dies, the run is resumed by re-executing
// its handler and replaying recorded checkpoints, so no side effect is ever
// repeated and the run continues from the first incomplete step.
package workflow

import (
	"errors"
	"time"
)

// RunState is the lifecycle state of a workflow run.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the run has reached a final state.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// Run is a single execution of a workflow. Key is the caller-supplied
// instance key (the order id for fulfillment workflows); at most one run per
// key may be in the running state at a time.
type Run struct {
	ID              string     `json:"id"`
	Key             string     `json:"key"`
	Name            string     `json:"name"`
	State           RunState   `json:"state"`
	Input           []byte     `json:"input,omitempty"`
	Output          []byte     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	ParentRunID     string     `json:"parent_run_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Checkpoint is the recorded result of a completed workflow step. The
// (RunID, StepName) pair is unique; replay resolves steps against it.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	StepName  string    `json:"step_name"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Signal is a named event addressed to a running workflow instance. Signals
// are buffered in the store until the run consumes them at a wait point, in
// per-run delivery order.
type Signal struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Payload   []byte    `json:"payload,omitempty"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrDuplicateRun means a run with the same key is still active.
	ErrDuplicateRun = errors.New("workflow: duplicate active run for key")

	// ErrRunNotFound means no run exists for the given id or key.
	ErrRunNotFound = errors.New("workflow: run not found")

	// ErrRunNotActive means the addressed run has already reached a
	// terminal state; signals to it are rejected, not fatal.
	ErrRunNotActive = errors.New("workflow: run not active")

	// ErrCancelled unwinds a run after a cancellation request was observed
	// at a step or wait boundary.
	ErrCancelled = errors.New("workflow: run cancelled")

	// ErrWaitTimeout is returned by signal waits that expire.
	ErrWaitTimeout = errors.New("workflow: wait timed out")
)
