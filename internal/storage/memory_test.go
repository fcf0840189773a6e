package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CodeWizarz/FUZE/internal/workflow"
)

func newRun(id, key string, state workflow.RunState) *workflow.Run {
	return &workflow.Run{
		ID:        id,
		Key:       key,
		Name:      "test",
		State:     state,
		StartedAt: time.Now().UTC(),
	}
}

func TestCreateRunEnforcesSingleActiveKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateRun(ctx, newRun("r1", "order-1", workflow.RunStateRunning)); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := store.CreateRun(ctx, newRun("r2", "order-1", workflow.RunStateRunning))
	if !errors.Is(err, workflow.ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}

	// Terminal runs do not block the key.
	r1, _ := store.GetRun(ctx, "r1")
	r1.State = workflow.RunStateCompleted
	if err := store.UpdateRun(ctx, r1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.CreateRun(ctx, newRun("r2", "order-1", workflow.RunStateRunning)); err != nil {
		t.Fatalf("create after completion: %v", err)
	}
}

func TestGetRunByKeyPrefersActiveRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := newRun("r1", "order-1", workflow.RunStateFailed)
	old.StartedAt = time.Now().UTC().Add(-time.Hour)
	if err := store.CreateRun(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := store.CreateRun(ctx, newRun("r2", "order-1", workflow.RunStateRunning)); err != nil {
		t.Fatalf("create active: %v", err)
	}

	run, err := store.GetRunByKey(ctx, "order-1")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if run.ID != "r2" {
		t.Fatalf("expected the active run, got %s", run.ID)
	}

	if _, err := store.GetRunByKey(ctx, "missing"); !errors.Is(err, workflow.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestCheckpointAbsentVsEmpty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	data, err := store.GetCheckpoint(ctx, "r1", "step")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if data != nil {
		t.Fatal("missing checkpoint must be nil")
	}

	if err := store.SaveCheckpoint(ctx, "r1", "step", nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err = store.GetCheckpoint(ctx, "r1", "step")
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if data == nil {
		t.Fatal("completed checkpoint with no data must be empty, not nil")
	}
}

func TestNextSignalConsumesFIFOByName(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, name := range []string{"approve", "update-address", "approve"} {
		sig := &workflow.Signal{
			ID: string(rune('a' + i)), RunID: "r1", Name: name,
			Payload: []byte{byte(i)}, CreatedAt: time.Now().UTC(),
		}
		if err := store.AppendSignal(ctx, sig); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if sig.Seq != int64(i+1) {
			t.Fatalf("append %d: seq = %d, want %d", i, sig.Seq, i+1)
		}
	}

	// Filtering by name skips earlier non-matching signals without
	// consuming them.
	sig, err := store.NextSignal(ctx, "r1", []string{"update-address"})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sig == nil || sig.Name != "update-address" {
		t.Fatalf("expected update-address, got %+v", sig)
	}

	first, _ := store.NextSignal(ctx, "r1", []string{"approve"})
	second, _ := store.NextSignal(ctx, "r1", []string{"approve"})
	if first == nil || second == nil || first.Seq >= second.Seq {
		t.Fatalf("approve signals out of order: %+v then %+v", first, second)
	}

	none, err := store.NextSignal(ctx, "r1", []string{"approve"})
	if err != nil || none != nil {
		t.Fatalf("expected empty buffer, got %+v (%v)", none, err)
	}

	n, err := store.PendingSignals(ctx, "r1")
	if err != nil || n != 0 {
		t.Fatalf("expected 0 pending, got %d (%v)", n, err)
	}
}

func TestMarkCancelRequested(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateRun(ctx, newRun("r1", "order-1", workflow.RunStateRunning)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkCancelRequested(ctx, "r1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := store.MarkCancelRequested(ctx, "r1"); err != nil {
		t.Fatalf("mark again: %v", err)
	}

	run, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !run.CancelRequested {
		t.Fatal("cancel flag not set")
	}
}

func TestListChildRuns(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	parent := newRun("p1", "order-1", workflow.RunStateRunning)
	if err := store.CreateRun(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child := newRun("c1", "ship_order-1", workflow.RunStateRunning)
	child.ParentRunID = "p1"
	if err := store.CreateRun(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}

	children, err := store.ListChildRuns(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 1 || children[0].ID != "c1" {
		t.Fatalf("expected [c1], got %+v", children)
	}
}
