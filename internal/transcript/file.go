package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// File formats.
const (
	FormatText  = "text"
	FormatJSONL = "jsonl"
)

// FileSink appends entries to a file, one line each.
// Safe for concurrent use.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	format string
	logger *slog.Logger
}

// OpenFile opens (or creates) the transcript file in append-only mode with
// 0600 permissions. An empty format means text.
func OpenFile(path, format string, logger *slog.Logger) (*FileSink, error) {
	switch format {
	case "":
		format = FormatText
	case FormatText, FormatJSONL:
	default:
		return nil, fmt.Errorf("unknown transcript format %q", format)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating transcript directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening transcript %s: %w", path, err)
	}
	return &FileSink{file: f, format: format, logger: logger}, nil
}

// Record encodes the entry outside the lock; only the write is serialized.
func (s *FileSink) Record(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	var line []byte
	if s.format == FormatJSONL {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling transcript entry: %w", err)
		}
		line = append(data, '\n')
	} else {
		line = []byte(formatText(e))
	}

	s.mu.Lock()
	_, err := s.file.Write(line)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing transcript entry: %w", err)
	}

	s.logger.DebugContext(ctx, "transcript entry written",
		slog.String("session_id", e.SessionID),
		slog.String("kind", string(e.Kind)),
		slog.Int("turn", e.Turn),
	)
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// formatText renders "<time> [turn N] kind tool(status): text". Newlines in
// the text are indented so each entry stays visually one block.
func formatText(e Entry) string {
	var b strings.Builder
	b.WriteString(e.Time.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, " [turn %d] %s", e.Turn, e.Kind)
	if e.Tool != "" {
		b.WriteByte(' ')
		b.WriteString(e.Tool)
		if e.Status != "" {
			fmt.Fprintf(&b, "(%s)", e.Status)
		}
	}
	if e.Text != "" {
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(strings.TrimRight(e.Text, "\n"), "\n", "\n    "))
	}
	b.WriteByte('\n')
	return b.String()
}
