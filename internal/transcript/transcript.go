// Package transcript records what happened during a control loop run: the
// agent's text, each tool call and its outcome. Sinks are write-only; the
// transcript is an operator log and is never read back into a conversation.
package transcript

import (
	"context"
	"time"
)

// Kind classifies a transcript entry.
type Kind string

const (
	KindSessionStart Kind = "session_start"
	KindAssistant    Kind = "assistant"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
	KindSessionEnd   Kind = "session_end"
)

// Entry is one transcript line.
type Entry struct {
	SessionID string    `json:"session_id"`
	Turn      int       `json:"turn"`
	Kind      Kind      `json:"kind"`
	Tool      string    `json:"tool,omitempty"`
	Status    string    `json:"status,omitempty"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
}

// Sink receives transcript entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Close() error                        { return nil }

// Multi fans entries out to several sinks. The first error wins but every
// sink still receives the entry.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
