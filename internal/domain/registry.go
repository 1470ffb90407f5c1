package domain

import (
	"sync"
	"time"
)

// SnapshotStore keeps the latest snapshot and poll counters. It implements
// SnapshotSource.
type SnapshotStore struct {
	latest *Snapshot
	stats  PollStats
	mutex  sync.RWMutex
}

// NewSnapshotStore creates an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Record stores the result of one poll cycle.
func (s *SnapshotStore) Record(snap *Snapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.stats.Cycles++
	s.stats.LastPoll = snap.Timestamp
	if snap.Empty() {
		s.stats.EmptyCycles++
		s.stats.ConsecutiveFailed++
		return
	}
	s.stats.ConsecutiveFailed = 0
	s.latest = snap
}

// RecordConnect stores the outcome of a connect attempt.
func (s *SnapshotStore) RecordConnect(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.stats.ConnectAttempts++
	if err != nil {
		s.stats.Connected = false
		s.stats.LastConnectFailure = err.Error()
		return
	}
	s.stats.Connected = true
	s.stats.LastConnectFailure = ""
}

// SetConnected updates the connection flag.
func (s *SnapshotStore) SetConnected(connected bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stats.Connected = connected
}

// Latest returns the most recent non-empty snapshot.
func (s *SnapshotStore) Latest() (*Snapshot, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.latest == nil {
		return nil, false
	}
	return s.latest, true
}

// Stats returns a copy of the poll counters.
func (s *SnapshotStore) Stats() PollStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.stats
}

// Age returns how long ago the latest snapshot was captured.
func (s *SnapshotStore) Age(now time.Time) (time.Duration, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.latest == nil {
		return 0, false
	}
	return now.Sub(s.latest.Timestamp), true
}
