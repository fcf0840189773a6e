package ledger

import (
	"context"
	"sync"
)

var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is an in-process Ledger for tests and development. The
// reservation race is resolved with a per-token done channel: the loser of
// the race parks on it until the winner records or releases.
type MemoryLedger struct {
	mu     sync.Mutex
	tokens map[string]*tokenState
}

type tokenState struct {
	recorded bool
	result   Result
	done     chan struct{} // closed on Record or Release
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tokens: make(map[string]*tokenState)}
}

func (l *MemoryLedger) ReserveOrGet(ctx context.Context, token string) (Reservation, error) {
	for {
		l.mu.Lock()
		st, ok := l.tokens[token]
		if !ok {
			l.tokens[token] = &tokenState{done: make(chan struct{})}
			l.mu.Unlock()
			return Reservation{New: true}, nil
		}
		if st.recorded {
			res := st.result
			l.mu.Unlock()
			return Reservation{Result: res}, nil
		}
		done := st.done
		l.mu.Unlock()

		// Another caller holds the reservation; wait for its outcome
		// and re-check (a Release means the token is up for grabs again).
		select {
		case <-done:
		case <-ctx.Done():
			return Reservation{}, ctx.Err()
		}
	}
}

func (l *MemoryLedger) Record(_ context.Context, token string, result Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[token]
	if !ok {
		return ErrNotReserved
	}
	if st.recorded {
		return nil
	}
	st.recorded = true
	st.result = result
	close(st.done)
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[token]
	if !ok || st.recorded {
		return nil
	}
	delete(l.tokens, token)
	close(st.done)
	return nil
}
