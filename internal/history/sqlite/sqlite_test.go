package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/nodefixture/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	start := history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Fixture: "electrs", PID: 12345}
	ready := history.Event{Type: history.EventReady, OccurredAt: time.Now().UTC(), Fixture: "electrs", PID: 12345, Addr: "127.0.0.1:50001"}
	fail := history.Event{Type: history.EventFail, OccurredAt: time.Now().UTC(), Fixture: "other", Phase: "ready", Error: "timeout"}
	for _, e := range []history.Event{start, ready, fail} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	got, err := sink.Events(ctx, "electrs")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for electrs, got %d", len(got))
	}
	if got[0].Type != history.EventStart || got[1].Type != history.EventReady || got[1].Addr != "127.0.0.1:50001" {
		t.Fatalf("unexpected events: %+v", got)
	}
	other, err := sink.Events(ctx, "other")
	if err != nil || len(other) != 1 || other[0].Phase != "ready" || other[0].Error != "timeout" {
		t.Fatalf("unexpected failure event: %+v (%v)", other, err)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	e := history.Event{Type: history.EventStop, OccurredAt: time.Now().UTC(), Fixture: "mem", PID: 54321}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	got, err := sink.Events(context.Background(), "mem")
	if err != nil || len(got) != 1 || got[0].PID != 54321 {
		t.Fatalf("unexpected events: %+v (%v)", got, err)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, Fixture: "cancelled"}); err == nil {
		t.Fatalf("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
