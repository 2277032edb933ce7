package core

import (
	"sync"
	"time"
)

// StatsSnapshot is one user's counters at a point in time.
type StatsSnapshot struct {
	UserID           uint64    `json:"user_id"`
	Sent             uint64    `json:"sent"`
	Received         uint64    `json:"received"`
	BytesTransferred uint64    `json:"bytes_transferred"`
	Connections      uint64    `json:"connections"`
	Disconnections   uint64    `json:"disconnections"`
	LastActiveAt     time.Time `json:"last_active_at"`
}

// UserStats holds one user's counters. Created lazily on first reference.
type UserStats struct {
	mu               sync.Mutex
	userID           uint64
	sent             uint64
	received         uint64
	bytesTransferred uint64
	connections      uint64
	disconnections   uint64
	lastActiveAt     time.Time
}

// AddSent increments the sent-message counter.
func (s *UserStats) AddSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
}

// AddReceived increments the received-message counter.
func (s *UserStats) AddReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
}

// AddBytes adds to the transferred-bytes counter.
func (s *UserStats) AddBytes(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesTransferred += n
}

// AddConnection counts a connect and refreshes activity.
func (s *UserStats) AddConnection(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections++
	s.lastActiveAt = now
}

// AddDisconnection counts a disconnect.
func (s *UserStats) AddDisconnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnections++
}

// Touch refreshes the last-activity time.
func (s *UserStats) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = now
}

// InactiveFor returns how long the user has been idle.
func (s *UserStats) InactiveFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastActiveAt.IsZero() {
		return 0
	}
	return now.Sub(s.lastActiveAt)
}

// Snapshot copies the counters.
func (s *UserStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		UserID:           s.userID,
		Sent:             s.sent,
		Received:         s.received,
		BytesTransferred: s.bytesTransferred,
		Connections:      s.connections,
		Disconnections:   s.disconnections,
		LastActiveAt:     s.lastActiveAt,
	}
}

// Stats is the per-user counter map.
type Stats struct {
	mu    sync.RWMutex
	users map[uint64]*UserStats
}

// NewStats returns an empty counter map.
func NewStats() *Stats {
	return &Stats{users: make(map[uint64]*UserStats)}
}

// For returns the counters for uid, creating them on first reference.
func (s *Stats) For(uid uint64) *UserStats {
	s.mu.RLock()
	st, ok := s.users[uid]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.users[uid]; ok {
		return st
	}
	st = &UserStats{userID: uid}
	s.users[uid] = st
	return st
}

// Snapshot copies every user's counters.
func (s *Stats) Snapshot() []StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StatsSnapshot, 0, len(s.users))
	for _, st := range s.users {
		out = append(out, st.Snapshot())
	}
	return out
}

// Load seeds counters from persisted snapshots. Intended for startup,
// before any traffic.
func (s *Stats) Load(snapshots []StatsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snapshots {
		s.users[snap.UserID] = &UserStats{
			userID:           snap.UserID,
			sent:             snap.Sent,
			received:         snap.Received,
			bytesTransferred: snap.BytesTransferred,
			connections:      snap.Connections,
			disconnections:   snap.Disconnections,
			lastActiveAt:     snap.LastActiveAt,
		}
	}
}
