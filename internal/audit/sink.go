package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink appends structured events. Implementations must make the append
// durable on their side; callers never block their primary operation on a
// sink failure.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Recorder wraps a Sink with the fire-and-forget contract: a failed
// append is logged locally and otherwise swallowed so the primary
// operation proceeds.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

// NewRecorder creates a best-effort recorder over sink.
func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Record fills in defaults and appends the event, best effort.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}

	if err := r.sink.Append(ctx, event); err != nil {
		r.logger.Error("audit append failed",
			zap.String("action", event.Action),
			zap.String("resource_type", event.ResourceType),
			zap.String("resource_id", event.ResourceID),
			zap.Error(err))
	}
}

// MemorySink keeps events in memory. Used in tests and as a fallback when
// no database is configured.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything appended so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByAction returns appended events matching action.
func (m *MemorySink) ByAction(action string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
