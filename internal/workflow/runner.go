package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LiveState is the in-memory view of an in-flight run, exposed to status
// queries. It exists only while a run executes inside this process; the
// durable record is the run row and its checkpoints.
type LiveState struct {
	RunID          string `json:"run_id"`
	CurrentStep    string `json:"current_step"`
	PendingSignals int    `json:"pending_signals"`
}

// Runner owns workflow execution: starting runs, resuming them after a
// crash, routing signals and cancellation, and tracking live state. Each
// run executes on a single goroutine, so a given instance never races with
// itself; concurrency exists only across instances.
type Runner struct {
	registry *Registry
	store    Store
	logger   *slog.Logger

	pollInterval time.Duration
	observer     Observer

	mu   sync.RWMutex
	live map[string]*LiveState // key → live state of an in-flight run
}

// Observer receives run lifecycle notifications, typically to feed
// metrics. Calls happen on the run's goroutine and must be cheap.
type Observer interface {
	RunStarted(name string)
	RunFinished(name string, state RunState, elapsed time.Duration)
}

// Option configures a Runner.
type Option func(*Runner)

// WithPollInterval sets how often suspended waits re-check the signal
// buffer. Only affects latency, not correctness.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

// WithObserver attaches a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(r *Runner) { r.observer = obs }
}

func NewRunner(registry *Registry, store Store, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		registry:     registry,
		store:        store,
		logger:       logger,
		pollInterval: 25 * time.Millisecond,
		live:         make(map[string]*LiveState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start creates and begins executing a new run of the named workflow under
// the given instance key. The run executes asynchronously; Start returns as
// soon as the run row is durable. Returns ErrDuplicateRun when a run with
// the same key is still active.
func (r *Runner) Start(ctx context.Context, name, key string, input []byte) (*Run, error) {
	handler, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("no workflow registered for %q", name)
	}

	run := &Run{
		ID:        uuid.New().String(),
		Key:       key,
		Name:      name,
		State:     RunStateRunning,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}

	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	r.logger.Info("workflow started", "workflow", name, "key", key, "run_id", run.ID)

	// Detach from the request context: the run must outlive the HTTP
	// request that started it.
	go r.executeRun(context.WithoutCancel(ctx), run, handler)

	return run, nil
}

// runChild starts a child run under the parent and blocks until it reaches
// a terminal state. If an earlier attempt already created a run for the
// child key under this parent (crash between child creation and the
// parent's checkpoint), that run is reused: resumed when still running,
// returned as-is when already terminal. The child workflow never executes
// twice for one parent.
func (r *Runner) runChild(ctx context.Context, parent *Run, name, key string, input []byte) (*Run, error) {
	handler, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("no workflow registered for %q", name)
	}

	var run *Run
	prior, priorErr := r.store.GetRunByKey(ctx, key)
	switch {
	case priorErr == nil && prior.ParentRunID == parent.ID:
		if prior.State.Terminal() {
			r.logger.Info("reusing finished child workflow",
				"workflow", name, "key", key, "run_id", prior.ID, "parent_run_id", parent.ID)
			return prior, nil
		}
		run = prior
	case priorErr != nil && !errors.Is(priorErr, ErrRunNotFound):
		return nil, priorErr
	default:
		run = &Run{
			ID:          uuid.New().String(),
			Key:         key,
			Name:        name,
			State:       RunStateRunning,
			Input:       input,
			ParentRunID: parent.ID,
			StartedAt:   time.Now().UTC(),
		}
		if err := r.store.CreateRun(ctx, run); err != nil {
			if !errors.Is(err, ErrDuplicateRun) {
				return nil, err
			}
			existing, getErr := r.store.GetRunByKey(ctx, key)
			if getErr != nil {
				return nil, getErr
			}
			run = existing
		}
	}

	// The parent forwards its own pending cancellation before the child
	// does any work.
	if parent.CancelRequested {
		if err := r.store.MarkCancelRequested(ctx, run.ID); err != nil {
			return nil, err
		}
	}

	r.logger.Info("child workflow started",
		"workflow", name, "key", key, "run_id", run.ID, "parent_run_id", parent.ID)

	// Synchronous: the parent suspends until the child is terminal.
	r.executeRun(ctx, run, handler)

	return r.store.GetRun(ctx, run.ID)
}

// executeRun drives a handler to a terminal state and records the outcome.
// The checkpoint-before-complete discipline means an abrupt process exit
// can only lose un-checkpointed work, which Resume will redo safely.
func (r *Runner) executeRun(ctx context.Context, run *Run, handler HandlerFunc) {
	r.setLive(run)
	defer r.clearLive(run.Key)

	if r.observer != nil {
		r.observer.RunStarted(run.Name)
	}

	wf := &Workflow{ctx: ctx, run: run, store: r.store, runner: r, logger: r.logger}

	output, err := handler(wf, run.Input)

	now := time.Now().UTC()
	run.CompletedAt = &now

	switch {
	case err == nil:
		run.State = RunStateCompleted
		run.Output = output
	case errors.Is(err, ErrCancelled):
		run.State = RunStateCancelled
		run.Error = ErrCancelled.Error()
	default:
		run.State = RunStateFailed
		run.Error = err.Error()
	}

	if r.observer != nil {
		r.observer.RunFinished(run.Name, run.State, now.Sub(run.StartedAt))
	}

	if updateErr := r.store.UpdateRun(ctx, run); updateErr != nil {
		r.logger.Error("failed to record terminal run state",
			"run_id", run.ID, "state", string(run.State), "error", updateErr)
		return
	}

	switch run.State {
	case RunStateCompleted:
		r.logger.Info("workflow completed", "workflow", run.Name, "key", run.Key, "run_id", run.ID)
	case RunStateCancelled:
		r.logger.Info("workflow cancelled", "workflow", run.Name, "key", run.Key, "run_id", run.ID)
	default:
		r.logger.Error("workflow failed",
			"workflow", run.Name, "key", run.Key, "run_id", run.ID, "error", run.Error)
	}
}

// Resume re-executes a run that was in flight when its process died.
// Checkpointed steps replay without side effects; execution continues from
// the first incomplete step.
func (r *Runner) Resume(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != RunStateRunning {
		return fmt.Errorf("run %s is %q, not running", runID, run.State)
	}

	handler, ok := r.registry.Get(run.Name)
	if !ok {
		return fmt.Errorf("no workflow registered for %q (run %s)", run.Name, runID)
	}

	r.logger.Info("resuming workflow", "workflow", run.Name, "key", run.Key, "run_id", runID)
	r.executeRun(ctx, run, handler)
	return nil
}

// ResumeAll recovers every run left in the running state. Called once at
// worker startup. Child runs are skipped: they are re-entered through their
// parent's replay, which resumes the recorded child rather than starting a
// new one.
func (r *Runner) ResumeAll(ctx context.Context) error {
	runs, err := r.store.ListRunsByState(ctx, RunStateRunning)
	if err != nil {
		return fmt.Errorf("list running workflow runs: %w", err)
	}

	for _, run := range runs {
		if run.ParentRunID != "" {
			continue
		}
		go func(id string) {
			if resumeErr := r.Resume(context.WithoutCancel(ctx), id); resumeErr != nil {
				r.logger.Error("failed to resume workflow run", "run_id", id, "error", resumeErr)
			}
		}(run.ID)
	}
	return nil
}

// DeliverSignal buffers a named signal for the active run under key.
// Rejected with ErrRunNotFound / ErrRunNotActive when no run can observe
// it; that is a caller-level error, never a workflow failure. A signal the run
// never consumes (e.g. a duplicate approve after charging began) simply
// stays buffered and has no effect.
func (r *Runner) DeliverSignal(ctx context.Context, key, name string, payload []byte) error {
	run, err := r.store.GetRunByKey(ctx, key)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return ErrRunNotActive
	}

	sig := &Signal{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AppendSignal(ctx, sig); err != nil {
		return fmt.Errorf("append signal %q for run %s: %w", name, run.ID, err)
	}

	r.logger.Info("signal delivered", "signal", name, "key", key, "run_id", run.ID)
	return nil
}

// RequestCancel asks the active run under key to cancel. Cancellation is
// cooperative: the flag is observed at the run's next step or wait
// boundary. The request is forwarded to live children first, so a child
// always observes cancellation before its parent finalizes. Idempotent;
// cancelling a terminal run is a no-op.
func (r *Runner) RequestCancel(ctx context.Context, key string) error {
	run, err := r.store.GetRunByKey(ctx, key)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}

	if err := r.cancelTree(ctx, run.ID); err != nil {
		return err
	}

	r.logger.Info("cancellation requested", "key", key, "run_id", run.ID)
	return nil
}

// cancelTree marks the whole ownership subtree cancel-requested,
// bottom-up.
func (r *Runner) cancelTree(ctx context.Context, runID string) error {
	children, err := r.store.ListChildRuns(ctx, runID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.State.Terminal() {
			continue
		}
		if err := r.cancelTree(ctx, child.ID); err != nil {
			return err
		}
	}
	return r.store.MarkCancelRequested(ctx, runID)
}

// LiveState returns the in-memory state of an in-flight run under key, or
// ok=false when no run is live in this process. The pending-signal count is
// read from the store at query time.
func (r *Runner) LiveState(ctx context.Context, key string) (*LiveState, bool) {
	r.mu.RLock()
	ls, ok := r.live[key]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	snapshot := *ls
	r.mu.RUnlock()

	if n, err := r.store.PendingSignals(ctx, snapshot.RunID); err == nil {
		snapshot.PendingSignals = n
	}
	return &snapshot, true
}

func (r *Runner) setLive(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[run.Key] = &LiveState{RunID: run.ID, CurrentStep: "started"}
}

func (r *Runner) setLiveStep(key, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ls, ok := r.live[key]; ok {
		ls.CurrentStep = step
	}
}

func (r *Runner) clearLive(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, key)
}
