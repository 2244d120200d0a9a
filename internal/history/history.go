package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of fixture lifecycle event.
type EventType string

const (
	EventStart EventType = "start" // process spawned
	EventReady EventType = "ready" // startup completed
	EventStop  EventType = "stop"  // graceful stop or cleanup finished
	EventKill  EventType = "kill"  // cleanup had to force-kill
	EventFail  EventType = "fail"  // a startup phase failed
)

// Event is one fixture lifecycle record exported to an external store.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Fixture    string    `json:"fixture"`
	PID        int       `json:"pid"`
	Phase      string    `json:"phase,omitempty"`
	Addr       string    `json:"addr,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// sendTimeout bounds a single Record call so a slow store cannot stall
// fixture teardown.
const sendTimeout = 5 * time.Second

// Record sends e to s, filling OccurredAt when unset. A nil sink is allowed.
// Failures are logged and otherwise ignored: history never fails a fixture.
func Record(ctx context.Context, s Sink, e Event) {
	if s == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := s.Send(ctx, e); err != nil {
		slog.Warn("history sink failed", "fixture", e.Fixture, "event", string(e.Type), "error", err)
	}
}
