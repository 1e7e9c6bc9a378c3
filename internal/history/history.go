// Package history records service lifecycle and pipeline events.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventCrash    EventType = "crash"
	EventPipeline EventType = "pipeline"
)

// Event is one row of history. For process events Name is the service;
// for pipeline events it is the pipeline kind (install, update) and RunID
// ties the start and end rows together.
type Event struct {
	Type       EventType `json:"type" db:"type"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
	Name       string    `json:"name" db:"name"`
	PID        int       `json:"pid" db:"pid"`
	Status     string    `json:"status" db:"status"`
	RunID      string    `json:"run_id,omitempty" db:"run_id"`
	Detail     string    `json:"detail,omitempty" db:"detail"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Store is a Sink that can also be queried.
type Store interface {
	Sink
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

// NewRunID returns a fresh identifier for a pipeline run.
func NewRunID() string { return uuid.NewString() }

// Recorder fans events out to sinks. Failures are logged, never returned:
// history must not break the operation being recorded.
// A nil *Recorder is valid and drops everything.
type Recorder struct {
	mu    sync.RWMutex
	sinks []Sink
	log   *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), log: log}
}

// Record stamps e (if unstamped) and sends it to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "type", e.Type, "name", e.Name, "error", err)
		}
	}
}

// Memory keeps events in process. Used when no DSN is configured and in tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
	max    int
}

// NewMemory keeps at most max events (0 means 1000).
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = 1000
	}
	return &Memory{max: max}
}

func (m *Memory) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if over := len(m.events) - m.max; over > 0 {
		m.events = append([]Event(nil), m.events[over:]...)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (m *Memory) Recent(_ context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of every stored event, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
