package agent

import (
	"testing"
	"time"
)

func TestState_Processed(t *testing.T) {
	s := NewState()
	if s.IsProcessed("key", "id-1") {
		t.Error("fresh state should have nothing processed")
	}
	s.MarkProcessed("key", "id-1")
	if !s.IsProcessed("key", "id-1") {
		t.Error("marked id not reported as processed")
	}
	if s.IsProcessed("other-key", "id-1") {
		t.Error("keys must be isolated")
	}
}

func TestState_Locks(t *testing.T) {
	s := NewState()
	if !s.TryAcquire("lock", "owner-a", time.Minute) {
		t.Fatal("free lock not acquired")
	}
	// Reentrant for the holder, denied for others.
	if !s.TryAcquire("lock", "owner-a", time.Minute) {
		t.Error("lock not reentrant for its owner")
	}
	if s.TryAcquire("lock", "owner-b", time.Minute) {
		t.Error("held lock acquired by a second owner")
	}

	s.Release("lock", "owner-b") // not the holder; no-op
	if s.TryAcquire("lock", "owner-b", time.Minute) {
		t.Error("release by a non-owner should not free the lock")
	}
	s.Release("lock", "owner-a")
	if !s.TryAcquire("lock", "owner-b", time.Minute) {
		t.Error("released lock not acquirable")
	}
}

func TestState_LockExpiry(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.now = func() time.Time { return now }

	if !s.TryAcquire("lock", "owner-a", 300*time.Second) {
		t.Fatal("free lock not acquired")
	}
	now = now.Add(200 * time.Second)
	if s.TryAcquire("lock", "owner-b", time.Minute) {
		t.Error("unexpired lock stolen")
	}
	now = now.Add(200 * time.Second)
	if !s.TryAcquire("lock", "owner-b", time.Minute) {
		t.Error("expired lock not stolen")
	}
	if s.TryAcquire("lock", "owner-a", time.Minute) {
		t.Error("stolen lock still acquirable by old owner")
	}
}
