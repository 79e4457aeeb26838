package infra

import (
	"testing"
	"time"
)

func TestCalculateBackoffDoubling(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
	}
	for _, c := range cases {
		if got := CalculateBackoff(c.attempt); got != c.want {
			t.Errorf("CalculateBackoff(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestCalculateBackoffCapped(t *testing.T) {
	for _, attempt := range []int{6, 10, 31, 1 << 20} {
		if got := CalculateBackoff(attempt); got != maxDelay {
			t.Errorf("CalculateBackoff(%d) = %s, want cap %s", attempt, got, maxDelay)
		}
	}
}

func TestCalculateBackoffNegativeAttempt(t *testing.T) {
	if got := CalculateBackoff(-3); got != baseDelay {
		t.Errorf("CalculateBackoff(-3) = %s, want %s", got, baseDelay)
	}
}
