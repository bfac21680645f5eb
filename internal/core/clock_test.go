package core

import (
	"testing"
	"time"
)

func TestNowIsWallClockSeconds(t *testing.T) {
	got := Now()
	want := float64(time.Now().Unix())

	if got < want-1 || got > want+1 {
		t.Errorf("Now() = %f, want within 1s of %f", got, want)
	}
}

func TestAfterAdvancesPastPrev(t *testing.T) {
	future := Now() + 3600

	bumped := After(future)
	if bumped <= future {
		t.Errorf("After(%f) = %f, want strictly greater", future, bumped)
	}

	// successive bumps from the same base keep increasing
	again := After(bumped)
	if again <= bumped {
		t.Errorf("After(%f) = %f, want strictly greater", bumped, again)
	}
}

func TestAfterUsesNowWhenAhead(t *testing.T) {
	past := Now() - 3600

	bumped := After(past)
	if bumped <= past+1 {
		t.Errorf("After(past) = %f, want roughly current time", bumped)
	}
}

func TestClockNext(t *testing.T) {
	c := NewClock(41)

	if got := c.Next(); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if got := c.Next(); got != 43 {
		t.Errorf("expected 43, got %d", got)
	}
	if got := c.Current(); got != 43 {
		t.Errorf("Current() = %d, want 43 without increment", got)
	}
}
