package client

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 500 * time.Millisecond
	max := 10 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(base, max, c.attempt); got != c.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	base := 300 * time.Millisecond
	max := 2 * time.Second
	prev := time.Duration(0)
	for attempt := 0; attempt < 16; attempt++ {
		d := Backoff(base, max, attempt)
		if d < base || d > max {
			t.Fatalf("Backoff(attempt=%d) = %v outside [%v, %v]", attempt, d, base, max)
		}
		if d < prev {
			t.Fatalf("Backoff(attempt=%d) = %v decreased from %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoffZeroConfigUsesDefaults(t *testing.T) {
	if got := Backoff(0, 0, 0); got != 500*time.Millisecond {
		t.Fatalf("Backoff(0,0,0) = %v, want 500ms", got)
	}
	if got := Backoff(0, 0, 100); got != 10*time.Second {
		t.Fatalf("Backoff(0,0,100) = %v, want 10s", got)
	}
}
