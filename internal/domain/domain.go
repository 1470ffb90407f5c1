// Package domain provides core domain models and interfaces for the go-solax application
package domain

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Snapshot is the decoded result of one poll cycle. Fields of blocks that
// could not be read are absent, never zero-filled.
type Snapshot struct {
	Timestamp time.Time
	Metrics   map[string]float64
	States    map[string]string

	// Missing lists the labels of blocks that were unavailable this cycle.
	Missing []string
}

// NewSnapshot creates an empty snapshot captured at ts.
func NewSnapshot(ts time.Time) *Snapshot {
	return &Snapshot{
		Timestamp: ts,
		Metrics:   make(map[string]float64),
		States:    make(map[string]string),
	}
}

// Metric returns a numeric field and whether it was present.
func (s *Snapshot) Metric(name string) (float64, bool) {
	v, ok := s.Metrics[name]
	return v, ok
}

// State returns an enumerated field label and whether it was present.
func (s *Snapshot) State(name string) (string, bool) {
	v, ok := s.States[name]
	return v, ok
}

// Has reports whether the snapshot carries a value for name.
func (s *Snapshot) Has(name string) bool {
	if _, ok := s.Metrics[name]; ok {
		return true
	}
	_, ok := s.States[name]
	return ok
}

// Len returns the number of fields in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Metrics) + len(s.States)
}

// Empty reports whether no block could be read.
func (s *Snapshot) Empty() bool {
	return s.Len() == 0
}

// Names returns all field names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, s.Len())
	for k := range s.Metrics {
		names = append(names, k)
	}
	for k := range s.States {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Flatten returns the snapshot as a single map including the timestamp.
func (s *Snapshot) Flatten() map[string]interface{} {
	out := make(map[string]interface{}, s.Len()+1)
	for k, v := range s.Metrics {
		out[k] = v
	}
	for k, v := range s.States {
		out[k] = v
	}
	out["timestamp"] = s.Timestamp.Format(time.RFC3339)
	return out
}

// MarshalJSON encodes the snapshot as a flat object.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Flatten())
}

// Settings is the decoded configuration block of the inverter.
type Settings = Snapshot

// PollStats summarizes the poll loop for status reporting.
type PollStats struct {
	Cycles             int64     `json:"cycles"`
	EmptyCycles        int64     `json:"empty_cycles"`
	ConsecutiveFailed  int       `json:"consecutive_failed"`
	LastPoll           time.Time `json:"last_poll"`
	Connected          bool      `json:"connected"`
	ConnectAttempts    int64     `json:"connect_attempts"`
	LastConnectFailure string    `json:"last_connect_failure,omitempty"`
}

// MessagePublisher defines the interface for publishing snapshots.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Send uploads a snapshot to the monitoring service
	Send(ctx context.Context, snap *Snapshot) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}

// SnapshotSource exposes the most recent poll result.
type SnapshotSource interface {
	Latest() (*Snapshot, bool)
	Stats() PollStats
}
