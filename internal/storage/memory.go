// Package storage provides workflow.Store and ledger.Ledger backends: an
// in-memory implementation for tests and development, and a Postgres
// implementation for production.
package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/CodeWizarz/FUZE/internal/workflow"
)

var _ workflow.Store = (*MemoryStore)(nil)

// MemoryStore is a fully in-memory workflow.Store. Safe for concurrent
// use. Intended for unit tests and local development.
type MemoryStore struct {
	mu sync.RWMutex

	runs        map[string]*workflow.Run        // run ID → run
	checkpoints map[string]*workflow.Checkpoint // "runID/stepName" → checkpoint
	signals     map[string][]*workflow.Signal   // run ID → buffered signals, seq order
	signalSeq   map[string]int64                // run ID → last assigned seq
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*workflow.Run),
		checkpoints: make(map[string]*workflow.Checkpoint),
		signals:     make(map[string][]*workflow.Signal),
		signalSeq:   make(map[string]int64),
	}
}

func checkpointKey(runID, stepName string) string {
	return runID + "/" + stepName
}

func (m *MemoryStore) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.runs {
		if existing.Key == run.Key && existing.State == workflow.RunStateRunning {
			return workflow.ErrDuplicateRun
		}
	}

	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, workflow.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) GetRunByKey(_ context.Context, key string) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *workflow.Run
	for _, run := range m.runs {
		if run.Key != key {
			continue
		}
		// A running instance always wins; otherwise the most recent.
		if run.State == workflow.RunStateRunning {
			latest = run
			break
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, workflow.ErrRunNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return workflow.ErrRunNotFound
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRunsByState(_ context.Context, state workflow.RunState) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Run
	for _, run := range m.runs {
		if run.State == state {
			cp := *run
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListChildRuns(_ context.Context, parentRunID string) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Run
	for _, run := range m.runs {
		if run.ParentRunID == parentRunID {
			cp := *run
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (m *MemoryStore) MarkCancelRequested(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return workflow.ErrRunNotFound
	}
	run.CancelRequested = true
	return nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, runID, stepName string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[checkpointKey(runID, stepName)] = &workflow.Checkpoint{
		RunID:     runID,
		StepName:  stepName,
		Data:      slices.Clone(data),
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, runID, stepName string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[checkpointKey(runID, stepName)]
	if !ok {
		return nil, nil
	}
	if cp.Data == nil {
		return []byte{}, nil
	}
	return slices.Clone(cp.Data), nil
}

func (m *MemoryStore) AppendSignal(_ context.Context, sig *workflow.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.signalSeq[sig.RunID]++
	sig.Seq = m.signalSeq[sig.RunID]
	cp := *sig
	m.signals[sig.RunID] = append(m.signals[sig.RunID], &cp)
	return nil
}

func (m *MemoryStore) NextSignal(_ context.Context, runID string, names []string) (*workflow.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buffered := m.signals[runID]
	for i, sig := range buffered {
		if !slices.Contains(names, sig.Name) {
			continue
		}
		m.signals[runID] = append(buffered[:i:i], buffered[i+1:]...)
		cp := *sig
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) PendingSignals(_ context.Context, runID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.signals[runID]), nil
}
