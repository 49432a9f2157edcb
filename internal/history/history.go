// Package history keeps the append-only audit trail of launched workers and
// exports lifecycle events to external sinks.
package history

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// sendTimeout bounds a single sink delivery.
const sendTimeout = 5 * time.Second

// Record is the immutable launch facts of one worker plus its stop time.
type Record struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	PID       int        `json:"pid"`
	Command   []string   `json:"command"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Stopped reports whether the stop time has been recorded.
func (r Record) Stopped() bool { return r.StoppedAt != nil }

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Store holds one Record per process id. Records are never deleted.
type Store struct {
	mu      sync.RWMutex
	records map[int64]Record
	sinks   []Sink
}

func NewStore() *Store {
	return &Store{records: make(map[int64]Record)}
}

// SetSinks replaces the export destinations.
func (s *Store) SetSinks(sinks ...Sink) {
	s.mu.Lock()
	s.sinks = append([]Sink(nil), sinks...)
	s.mu.Unlock()
}

// Add records a start. An existing record for the same id is left untouched.
func (s *Store) Add(rec Record) bool {
	rec.Command = append([]string(nil), rec.Command...)
	rec.StoppedAt = nil
	s.mu.Lock()
	if _, ok := s.records[rec.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.records[rec.ID] = rec
	sinks := s.sinks
	s.mu.Unlock()
	s.emit(sinks, Event{Type: EventStart, OccurredAt: rec.StartedAt, Record: rec})
	return true
}

// MarkStopped sets the stop time of id. Only the first call has an effect;
// it returns false for unknown or already stopped ids. Times earlier than the
// start are clamped to the start.
func (s *Store) MarkStopped(id int64, at time.Time) bool {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.Stopped() {
		s.mu.Unlock()
		return false
	}
	if at.Before(rec.StartedAt) {
		at = rec.StartedAt
	}
	rec.StoppedAt = &at
	s.records[id] = rec
	sinks := s.sinks
	s.mu.Unlock()
	s.emit(sinks, Event{Type: EventStop, OccurredAt: at, Record: rec})
	return true
}

// Get returns the record for id.
func (s *Store) Get(id int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// All returns every record ordered by id.
func (s *Store) All() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close closes every sink that implements io.Closer.
func (s *Store) Close() error {
	s.mu.Lock()
	sinks := s.sinks
	s.sinks = nil
	s.mu.Unlock()
	var first error
	for _, sk := range sinks {
		if c, ok := sk.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *Store) emit(sinks []Sink, e Event) {
	for _, sk := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := sk.Send(ctx, e); err != nil {
			slog.Warn("history sink send failed", "id", e.Record.ID, "event", e.Type, "error", err)
		}
		cancel()
	}
}
