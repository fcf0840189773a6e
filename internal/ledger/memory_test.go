package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReserveOrGetNewToken(t *testing.T) {
	led := NewMemoryLedger()

	res, err := led.ReserveOrGet(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.New {
		t.Fatal("expected a fresh reservation")
	}
}

func TestRecordedResultIsPermanent(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	if _, err := led.ReserveOrGet(ctx, "tok-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := led.Record(ctx, "tok-1", Result{Value: []byte("payment-123")}); err != nil {
		t.Fatalf("record: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := led.ReserveOrGet(ctx, "tok-1")
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if res.New {
			t.Fatalf("reserve %d: recorded token must never be re-reserved", i)
		}
		if string(res.Result.Value) != "payment-123" {
			t.Fatalf("reserve %d: got %q", i, res.Result.Value)
		}
	}
}

func TestReleaseMakesTokenAvailableAgain(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	if _, err := led.ReserveOrGet(ctx, "tok-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := led.Release(ctx, "tok-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	res, err := led.ReserveOrGet(ctx, "tok-1")
	if err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if !res.New {
		t.Fatal("released token should be reservable again")
	}
}

func TestRecordWithoutReservation(t *testing.T) {
	led := NewMemoryLedger()

	err := led.Record(context.Background(), "tok-1", Result{Value: []byte("x")})
	if err != ErrNotReserved {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}
}

func TestConcurrentReservationSingleWinner(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	const goroutines = 16
	var winners atomic.Int32
	var executed atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := led.ReserveOrGet(ctx, "tok-1")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if res.New {
				winners.Add(1)
				// Simulate the side effect, slow enough that the losers
				// really do have to park.
				time.Sleep(10 * time.Millisecond)
				executed.Add(1)
				if err := led.Record(ctx, "tok-1", Result{Value: []byte("done")}); err != nil {
					t.Errorf("record: %v", err)
				}
				return
			}
			if string(res.Result.Value) != "done" {
				t.Errorf("loser observed %q, want recorded result", res.Result.Value)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
	if executed.Load() != 1 {
		t.Fatalf("side effect ran %d times", executed.Load())
	}
}

func TestWaiterUnblocksOnRelease(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	if _, err := led.ReserveOrGet(ctx, "tok-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	got := make(chan Reservation, 1)
	go func() {
		res, err := led.ReserveOrGet(ctx, "tok-1")
		if err != nil {
			t.Errorf("waiting reserve: %v", err)
			return
		}
		got <- res
	}()

	time.Sleep(10 * time.Millisecond)
	if err := led.Release(ctx, "tok-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case res := <-got:
		if !res.New {
			t.Fatal("waiter should win the reservation after a release")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never unblocked")
	}
}

func TestWaiterHonorsContextCancellation(t *testing.T) {
	led := NewMemoryLedger()

	if _, err := led.ReserveOrGet(context.Background(), "tok-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := led.ReserveOrGet(ctx, "tok-1")
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
