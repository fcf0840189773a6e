package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Workflow is the execution context passed to workflow handlers. Every
// method checkpoints its outcome, so a resumed run replays recorded results
// instead of re-executing side effects, and every method observes a pending
// cancellation request before doing new work.
type Workflow struct {
	ctx    context.Context
	run    *Run
	store  Store
	runner *Runner
	logger *slog.Logger
}

// Context returns the underlying context.
func (w *Workflow) Context() context.Context { return w.ctx }

// Run returns the run being executed.
func (w *Workflow) Run() *Run { return w.run }

// Key returns the run's instance key.
func (w *Workflow) Key() string { return w.run.Key }

// SetStep reports the run's current logical step to the live registry so
// status queries can see where an in-flight run is. Not persisted; the
// durable record is the checkpoint history.
func (w *Workflow) SetStep(step string) {
	w.runner.setLiveStep(w.run.Key, step)
}

// cancelRequested re-reads the run's cancel flag from the store. The flag
// may be set by another process, so the in-memory copy is not trusted.
func (w *Workflow) cancelRequested() (bool, error) {
	if w.run.CancelRequested {
		return true, nil
	}
	current, err := w.store.GetRun(w.ctx, w.run.ID)
	if err != nil {
		return false, err
	}
	w.run.CancelRequested = current.CancelRequested
	return current.CancelRequested, nil
}

// checkCancel returns ErrCancelled when cancellation has been requested.
// Called at every step and wait boundary; this is what makes cancellation
// cooperative rather than preemptive.
func (w *Workflow) checkCancel() error {
	cancelled, err := w.cancelRequested()
	if err != nil {
		return fmt.Errorf("workflow %s: read cancel flag: %w", w.run.Name, err)
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// Step executes a named step. If a checkpoint exists for the step the
// execution is skipped entirely (replay), otherwise fn runs and a
// checkpoint is saved before the step is considered complete.
func (w *Workflow) Step(name string, fn func(ctx context.Context) error) error {
	_, err := StepWithResult(w, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// StepWithResult executes a named step returning a typed value. The result
// is JSON-checkpointed; on replay the recorded value is returned without
// re-executing fn. Package-level generic because Go does not allow generic
// methods.
func StepWithResult[T any](w *Workflow, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	data, err := w.store.GetCheckpoint(w.ctx, w.run.ID, name)
	if err != nil {
		return zero, fmt.Errorf("workflow %s: get checkpoint %q: %w", w.run.Name, name, err)
	}
	if data != nil {
		var result T
		if len(data) > 0 {
			if decErr := json.Unmarshal(data, &result); decErr != nil {
				return zero, fmt.Errorf("workflow %s: decode checkpoint %q: %w", w.run.Name, name, decErr)
			}
		}
		w.logger.Debug("replaying checkpointed step", "run_id", w.run.ID, "step", name)
		return result, nil
	}

	if cancelErr := w.checkCancel(); cancelErr != nil {
		return zero, cancelErr
	}

	w.SetStep(name)

	result, stepErr := fn(w.ctx)
	if stepErr != nil {
		return zero, fmt.Errorf("workflow %s step %q: %w", w.run.Name, name, stepErr)
	}

	out, encErr := json.Marshal(result)
	if encErr != nil {
		return zero, fmt.Errorf("workflow %s: encode checkpoint %q: %w", w.run.Name, name, encErr)
	}
	if saveErr := w.store.SaveCheckpoint(w.ctx, w.run.ID, name, out); saveErr != nil {
		return zero, fmt.Errorf("workflow %s: save checkpoint %q: %w", w.run.Name, name, saveErr)
	}
	return result, nil
}

// waitRecord is the checkpointed outcome of a signal wait. TimedOut
// distinguishes an expired wait from a consumed signal with empty payload.
type waitRecord struct {
	Signal   *Signal `json:"signal,omitempty"`
	TimedOut bool    `json:"timed_out,omitempty"`
}

// WaitForSignal suspends until a signal with the given name is buffered for
// this run, the timeout expires, or cancellation is observed. A zero
// timeout waits indefinitely.
func (w *Workflow) WaitForSignal(stepName, signal string, timeout time.Duration) (*Signal, error) {
	return w.WaitForAnySignal(stepName, []string{signal}, timeout)
}

// WaitForAnySignal suspends until the oldest buffered signal matching any
// of names arrives. Signals delivered before the run reaches this wait
// point are buffered by the store, so delivery order and arrival order at
// the wait point are decoupled. The consumed signal (or the timeout) is
// checkpointed under stepName; on replay the recorded outcome is returned
// without waiting.
func (w *Workflow) WaitForAnySignal(stepName string, names []string, timeout time.Duration) (*Signal, error) {
	data, err := w.store.GetCheckpoint(w.ctx, w.run.ID, stepName)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: get wait checkpoint %q: %w", w.run.Name, stepName, err)
	}
	if data != nil {
		var rec waitRecord
		if decErr := json.Unmarshal(data, &rec); decErr != nil {
			return nil, fmt.Errorf("workflow %s: decode wait checkpoint %q: %w", w.run.Name, stepName, decErr)
		}
		if rec.TimedOut {
			return nil, ErrWaitTimeout
		}
		return rec.Signal, nil
	}

	w.SetStep(stepName)

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if cancelErr := w.checkCancel(); cancelErr != nil {
			return nil, cancelErr
		}

		sig, nextErr := w.store.NextSignal(w.ctx, w.run.ID, names)
		if nextErr != nil {
			return nil, fmt.Errorf("workflow %s: next signal %q: %w", w.run.Name, stepName, nextErr)
		}
		if sig != nil {
			out, encErr := json.Marshal(waitRecord{Signal: sig})
			if encErr != nil {
				return nil, fmt.Errorf("workflow %s: encode wait checkpoint %q: %w", w.run.Name, stepName, encErr)
			}
			if saveErr := w.store.SaveCheckpoint(w.ctx, w.run.ID, stepName, out); saveErr != nil {
				return nil, fmt.Errorf("workflow %s: save wait checkpoint %q: %w", w.run.Name, stepName, saveErr)
			}
			return sig, nil
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			out, encErr := json.Marshal(waitRecord{TimedOut: true})
			if encErr != nil {
				return nil, fmt.Errorf("workflow %s: encode wait checkpoint %q: %w", w.run.Name, stepName, encErr)
			}
			if saveErr := w.store.SaveCheckpoint(w.ctx, w.run.ID, stepName, out); saveErr != nil {
				return nil, fmt.Errorf("workflow %s: save wait checkpoint %q: %w", w.run.Name, stepName, saveErr)
			}
			return nil, ErrWaitTimeout
		}

		select {
		case <-time.After(w.runner.pollInterval):
		case <-w.ctx.Done():
			return nil, w.ctx.Err()
		}
	}
}

// RunChild starts a child workflow under the given key and blocks until it
// reaches a terminal state, returning its decoded result. The child run is
// linked to this run, so a cancellation request against the parent is
// forwarded to the child, which observes it before the parent finalizes.
// The child's terminal outcome is checkpointed for replay.
func RunChild[R any](w *Workflow, name, key string, input any) (R, error) {
	var zero R
	stepName := "child:" + name + ":" + key

	data, err := w.store.GetCheckpoint(w.ctx, w.run.ID, stepName)
	if err != nil {
		return zero, fmt.Errorf("workflow %s: get child checkpoint %q: %w", w.run.Name, stepName, err)
	}
	if data != nil {
		var rec childRecord
		if decErr := json.Unmarshal(data, &rec); decErr != nil {
			return zero, fmt.Errorf("workflow %s: decode child checkpoint %q: %w", w.run.Name, stepName, decErr)
		}
		return decodeChildOutcome[R](name, rec)
	}

	if cancelErr := w.checkCancel(); cancelErr != nil {
		return zero, cancelErr
	}

	w.SetStep(stepName)

	inputData, marshalErr := json.Marshal(input)
	if marshalErr != nil {
		return zero, fmt.Errorf("workflow %s: marshal child input %q: %w", w.run.Name, name, marshalErr)
	}

	childRun, childErr := w.runner.runChild(w.ctx, w.run, name, key, inputData)
	if childErr != nil {
		return zero, fmt.Errorf("workflow %s child %q: %w", w.run.Name, name, childErr)
	}

	rec := childRecord{State: childRun.State, Output: childRun.Output, Error: childRun.Error}
	out, encErr := json.Marshal(rec)
	if encErr != nil {
		return zero, fmt.Errorf("workflow %s: encode child checkpoint %q: %w", w.run.Name, stepName, encErr)
	}
	if saveErr := w.store.SaveCheckpoint(w.ctx, w.run.ID, stepName, out); saveErr != nil {
		return zero, fmt.Errorf("workflow %s: save child checkpoint %q: %w", w.run.Name, stepName, saveErr)
	}

	return decodeChildOutcome[R](name, rec)
}

// childRecord is the checkpointed terminal outcome of a child run.
type childRecord struct {
	State  RunState `json:"state"`
	Output []byte   `json:"output,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// ErrChildFailed wraps a child workflow's terminal failure.
type ErrChildFailed struct {
	Name   string
	Reason string
}

func (e *ErrChildFailed) Error() string {
	return fmt.Sprintf("child workflow %q failed: %s", e.Name, e.Reason)
}

func decodeChildOutcome[R any](name string, rec childRecord) (R, error) {
	var zero R
	switch rec.State {
	case RunStateCompleted:
		var result R
		if len(rec.Output) > 0 {
			if err := json.Unmarshal(rec.Output, &result); err != nil {
				return zero, fmt.Errorf("decode child %q output: %w", name, err)
			}
		}
		return result, nil
	case RunStateCancelled:
		return zero, ErrCancelled
	default:
		return zero, &ErrChildFailed{Name: name, Reason: rec.Error}
	}
}
