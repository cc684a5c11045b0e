package p2p

import (
	"fmt"
	"testing"
)

func TestSeenSet_CheckAndMark(t *testing.T) {
	s := newSeenSet(100)
	if s.CheckAndMark("m1") {
		t.Error("first sighting reported as duplicate")
	}
	if !s.CheckAndMark("m1") {
		t.Error("second sighting not reported as duplicate")
	}
	if s.CheckAndMark("m2") {
		t.Error("unrelated id reported as duplicate")
	}
}

func TestSeenSet_EvictsOldestHalf(t *testing.T) {
	s := newSeenSet(10)
	for i := 0; i < 11; i++ {
		s.Mark(fmt.Sprintf("m%d", i))
	}

	// Crossing the cap drops the oldest half; the newest survive.
	if s.Len() != 6 {
		t.Fatalf("Len = %d after overflow, want 6", s.Len())
	}
	if s.CheckAndMark("m10") != true {
		t.Error("newest id was evicted")
	}
	if s.CheckAndMark("m0") != false {
		t.Error("oldest id survived eviction")
	}
}
