package core

import (
	"testing"
	"time"
)

func TestStatsLazyCreateAndSnapshot(t *testing.T) {
	t.Parallel()

	s := NewStats()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	st := s.For(10)
	st.AddSent()
	st.AddBytes(128)
	st.AddConnection(now)
	s.For(20).AddReceived()

	if st != s.For(10) {
		t.Fatal("second lookup should return the same counters")
	}

	snaps := s.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("snapshot users: %d, want 2", len(snaps))
	}
	byUser := make(map[uint64]StatsSnapshot, len(snaps))
	for _, snap := range snaps {
		byUser[snap.UserID] = snap
	}
	if got := byUser[10]; got.Sent != 1 || got.BytesTransferred != 128 || got.Connections != 1 || !got.LastActiveAt.Equal(now) {
		t.Fatalf("user 10 snapshot: %#v", got)
	}
	if got := byUser[20]; got.Received != 1 {
		t.Fatalf("user 20 snapshot: %#v", got)
	}
}

func TestStatsInactiveFor(t *testing.T) {
	t.Parallel()

	st := &UserStats{userID: 10}
	now := time.Now()

	// Never-active users report zero idle time instead of an epoch delta.
	if d := st.InactiveFor(now); d != 0 {
		t.Fatalf("idle before first activity: %s", d)
	}

	st.Touch(now.Add(-90 * time.Second))
	if d := st.InactiveFor(now); d != 90*time.Second {
		t.Fatalf("idle = %s, want 90s", d)
	}
}

func TestStatsLoadSeedsCounters(t *testing.T) {
	t.Parallel()

	s := NewStats()
	lastActive := time.UnixMilli(1_700_000_000_000).UTC()
	s.Load([]StatsSnapshot{
		{UserID: 10, Sent: 5, Received: 2, BytesTransferred: 1024, Connections: 3, Disconnections: 2, LastActiveAt: lastActive},
	})

	got := s.For(10).Snapshot()
	if got.Sent != 5 || got.Received != 2 || got.BytesTransferred != 1024 {
		t.Fatalf("seeded counters: %#v", got)
	}
	if !got.LastActiveAt.Equal(lastActive) {
		t.Fatalf("seeded activity: %s", got.LastActiveAt)
	}

	// Counters keep incrementing on top of the seed.
	s.For(10).AddSent()
	if got := s.For(10).Snapshot(); got.Sent != 6 {
		t.Fatalf("post-seed sent: %d", got.Sent)
	}
}
