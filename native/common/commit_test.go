package common

import "testing"

func TestClockSequencesWithinBlock(t *testing.T) {
	clock := NewClock()
	clock.SetNowFunc(func() int64 { return 42 })

	first := clock.Next()
	second := clock.Next()
	if first.Height != second.Height {
		t.Fatalf("height advanced without a tick")
	}
	if first.Sequence == second.Sequence {
		t.Fatalf("sequence did not advance")
	}
	if first.Timestamp != 42 || second.Timestamp != 42 {
		t.Fatalf("timestamps not taken from the time source")
	}

	clock.Tick()
	third := clock.Next()
	if third.Height != first.Height+1 {
		t.Fatalf("tick did not advance height")
	}
	if third.Sequence != 1 {
		t.Fatalf("tick did not reset sequence: %d", third.Sequence)
	}
}
