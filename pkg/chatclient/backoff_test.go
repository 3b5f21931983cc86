package chatclient

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tc := range tests {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2}

	b.rand = func() float64 { return 0 }
	if got := b.Delay(1); got != 800*time.Millisecond {
		t.Fatalf("lowest jitter should give 800ms, got %s", got)
	}
	b.rand = func() float64 { return 0.5 }
	if got := b.Delay(1); got != time.Second {
		t.Fatalf("midpoint jitter should give 1s, got %s", got)
	}

	b.rand = nil
	for i := 0; i < 1000; i++ {
		d := b.Delay(3)
		if d < 3200*time.Millisecond || d > 4800*time.Millisecond {
			t.Fatalf("delay %s outside 4s +/- 20%%", d)
		}
	}
}
