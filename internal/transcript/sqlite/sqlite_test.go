package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/devbot/internal/transcript"
)

func TestStore_RecordAndSession(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "db", "transcript.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	in := []transcript.Entry{
		{SessionID: "a", Kind: transcript.KindSessionStart, Text: "task"},
		{SessionID: "b", Kind: transcript.KindSessionStart, Text: "other"},
		{SessionID: "a", Turn: 1, Kind: transcript.KindToolCall, Tool: "list", Text: "list({})"},
		{SessionID: "a", Turn: 1, Kind: transcript.KindToolResult, Tool: "list", Status: "ok", Text: "2 entries"},
		{SessionID: "a", Turn: 2, Kind: transcript.KindSessionEnd, Status: "stopped_ok", Text: "done"},
	}
	for _, e := range in {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := store.Session(ctx, "a")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d entries, want 4", len(got))
	}
	kinds := []transcript.Kind{
		transcript.KindSessionStart, transcript.KindToolCall,
		transcript.KindToolResult, transcript.KindSessionEnd,
	}
	for i, k := range kinds {
		if got[i].Kind != k {
			t.Errorf("entry %d kind = %q, want %q", i, got[i].Kind, k)
		}
	}
	if got[2].Status != "ok" || got[2].Tool != "list" || got[2].Time.IsZero() {
		t.Errorf("tool result entry = %+v", got[2])
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for empty path")
	}
}
