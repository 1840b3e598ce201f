package realtime

import (
	"testing"
	"time"
)

func TestBackoffDelayDoubles(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := BackoffDelay(tt.attempt); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffDelayNegativeAttempt(t *testing.T) {
	if got := BackoffDelay(-3); got != backoffBase {
		t.Errorf("BackoffDelay(-3) = %v, want %v", got, backoffBase)
	}
}

func TestJitteredBackoffDelayBounds(t *testing.T) {
	for attempt := 0; attempt <= 6; attempt++ {
		base := BackoffDelay(attempt)
		lo := base - base*backoffJitterPercent/100
		hi := base + base*backoffJitterPercent/100

		for i := 0; i < 50; i++ {
			got := JitteredBackoffDelay(attempt)
			if got < lo || got > hi {
				t.Fatalf("JitteredBackoffDelay(%d) = %v, outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}
