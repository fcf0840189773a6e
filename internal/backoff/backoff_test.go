package backoff_test

import (
	"testing"
	"time"

	"github.com/CodeWizarz/FUZE/internal/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(3 * time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		if got := c.Delay(attempt); got != 3*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 3*time.Second)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped)", got, 10*time.Second)
	}
	if got := e.Delay(30); got != 10*time.Second {
		t.Errorf("Delay(30) = %v, want %v (capped)", got, 10*time.Second)
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 10*time.Second)

	for attempt := 1; attempt <= 5; attempt++ {
		for range 100 {
			got := e.Delay(attempt)
			if got < 0 {
				t.Errorf("Delay(%d) = %v, want >= 0", attempt, got)
			}
			if got > 10*time.Second {
				t.Errorf("Delay(%d) = %v, want <= %v", attempt, got, 10*time.Second)
			}
		}
	}
}

func TestExponentialWithJitter_ProducesVariance(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, time.Minute)

	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[e.Delay(3)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected jitter variance, got %d distinct values", len(seen))
	}
}

func TestDefault_BoundedFirstRetry(t *testing.T) {
	s := backoff.Default()
	if s == nil {
		t.Fatal("Default() returned nil")
	}
	d := s.Delay(1)
	if d < 0 || d > time.Second {
		t.Errorf("Default().Delay(1) = %v, want in [0, 1s]", d)
	}
}
