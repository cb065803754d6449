package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/devbot/internal/llm"
	"github.com/jkaninda/devbot/internal/observability"
	"github.com/jkaninda/devbot/internal/tools"
	"github.com/jkaninda/devbot/internal/transcript"
)

// DefaultMaxTurns bounds a run when LoopConfig.MaxTurns is unset.
const DefaultMaxTurns = 20

// State is the lifecycle state of a control loop run.
type State string

const (
	StateRunning       State = "running"
	StateStoppedOK     State = "stopped_ok"
	StateStoppedBudget State = "stopped_budget"
	StateStoppedError  State = "stopped_error"
)

// LoopConfig configures a Loop.
type LoopConfig struct {
	SystemPrompt string
	MaxTurns     int // 0 = DefaultMaxTurns
	MaxTokens    int // Per agent response. 0 = provider default.
	Verifier     Verifier
}

// Turn is one request/response exchange with the agent collaborator plus
// the tool calls it asked for.
type Turn struct {
	Number  int
	Text    string
	Calls   []tools.Call
	Results []*tools.Result
	Usage   llm.Usage
}

// Conversation is the in-memory record of one run.
type Conversation struct {
	Task  string
	Turns []Turn
}

// Outcome is what Run reports when the loop stops.
type Outcome struct {
	SessionID    string
	State        State
	Turns        int
	Final        string // Agent's closing text, or why the loop stopped.
	Usage        llm.Usage
	Conversation *Conversation
	Err          error // Set only with StateStoppedError.
}

// Loop drives the agent collaborator: it asks for the next step, dispatches
// the requested tool calls in order and feeds the grouped results back,
// until the agent stops calling tools, a verifier passes or the turn budget
// runs out.
type Loop struct {
	provider   llm.Provider
	dispatcher *Dispatcher
	toolDefs   []llm.ToolDefinition
	cfg        LoopConfig
	sink       transcript.Sink
	verbose    io.Writer
	obs        *observability.Observability
	logger     *slog.Logger
}

// NewLoop creates a loop over the dispatcher's registry.
func NewLoop(provider llm.Provider, dispatcher *Dispatcher, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	return &Loop{
		provider:   provider,
		dispatcher: dispatcher,
		toolDefs:   tools.ToDefinitions(dispatcher.Registry()),
		cfg:        cfg,
		sink:       transcript.Nop{},
		logger:     logger,
	}
}

// WithTranscript records every assistant message and tool call to sink.
func (l *Loop) WithTranscript(sink transcript.Sink) *Loop {
	if sink != nil {
		l.sink = sink
	}
	return l
}

// WithVerbose prints token usage, each call with its arguments and each
// result to w.
func (l *Loop) WithVerbose(w io.Writer) *Loop {
	l.verbose = w
	return l
}

// WithObservability attaches metrics and tracing.
func (l *Loop) WithObservability(obs *observability.Observability) *Loop {
	l.obs = obs
	return l
}

// Run executes the loop for one task. The returned error is non-nil only
// for StateStoppedError: the agent request failed or ctx was cancelled.
// Running out of turns is reported through the state, not as an error.
func (l *Loop) Run(ctx context.Context, task string) (*Outcome, error) {
	out := &Outcome{
		SessionID:    uuid.NewString(),
		State:        StateRunning,
		Conversation: &Conversation{Task: task},
	}

	ctx, span := l.obs.TracerOrNil().StartSpan(ctx, "loop.run",
		attribute.String("session_id", out.SessionID),
		attribute.String("provider", l.provider.Name()),
		attribute.Int("max_turns", l.cfg.MaxTurns),
	)
	finished := l.obs.MetricsOrNil().LoopStarted()
	defer func() {
		span.SetAttributes(
			attribute.String("state", string(out.State)),
			attribute.Int("turns", out.Turns),
		)
		observability.EndSpan(span, out.Err)
		finished(string(out.State), out.Turns)
	}()

	l.logger.InfoContext(ctx, "loop started",
		slog.String("session_id", out.SessionID),
		slog.String("provider", l.provider.Name()),
		slog.Int("max_turns", l.cfg.MaxTurns),
	)
	l.printf("User prompt: %s\n", task)
	l.record(ctx, out, 0, transcript.Entry{Kind: transcript.KindSessionStart, Text: task})

	history := []llm.Message{{Role: llm.RoleUser, Content: task}}
	for out.State == StateRunning {
		if err := ctx.Err(); err != nil {
			l.stopWithError(out, fmt.Errorf("loop cancelled: %w", err))
			break
		}
		if out.Turns >= l.cfg.MaxTurns {
			out.State = StateStoppedBudget
			out.Final = fmt.Sprintf("Maximum turns reached (%d).", l.cfg.MaxTurns)
			l.logger.WarnContext(ctx, "turn budget exhausted",
				slog.String("session_id", out.SessionID),
				slog.Int("max_turns", l.cfg.MaxTurns),
			)
			break
		}
		history = l.step(ctx, out, history)
	}

	l.record(ctx, out, out.Turns, transcript.Entry{
		Kind:   transcript.KindSessionEnd,
		Status: string(out.State),
		Text:   out.Final,
	})
	l.logger.InfoContext(ctx, "loop finished",
		slog.String("session_id", out.SessionID),
		slog.String("state", string(out.State)),
		slog.Int("turns", out.Turns),
		slog.Int("input_tokens", out.Usage.InputTokens),
		slog.Int("output_tokens", out.Usage.OutputTokens),
	)
	return out, out.Err
}

// step runs one turn and returns the extended history. It sets out.State
// when the loop must stop.
func (l *Loop) step(ctx context.Context, out *Outcome, history []llm.Message) []llm.Message {
	out.Turns++
	turn := Turn{Number: out.Turns}

	start := time.Now()
	resp, err := l.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: l.cfg.SystemPrompt,
		Messages:     history,
		MaxTokens:    l.cfg.MaxTokens,
		Tools:        l.toolDefs,
	})
	if err != nil {
		l.stopWithError(out, fmt.Errorf("agent request failed on turn %d: %w", turn.Number, err))
		l.logger.ErrorContext(ctx, "agent request failed",
			slog.String("session_id", out.SessionID),
			slog.Int("turn", turn.Number),
			slog.String("error", err.Error()),
		)
		return history
	}

	turn.Text = resp.Content
	turn.Usage = resp.Usage
	out.Usage.Add(resp.Usage)
	l.printf("Prompt tokens: %d | Response tokens: %d\n", resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if resp.Content != "" {
		l.record(ctx, out, turn.Number, transcript.Entry{Kind: transcript.KindAssistant, Text: resp.Content})
	}

	history = append(history, assistantMessage(resp))

	blocks := resp.ToolUseBlocks()
	if len(blocks) == 0 {
		out.State = StateStoppedOK
		out.Final = resp.Content
		out.Conversation.Turns = append(out.Conversation.Turns, turn)
		return history
	}

	l.logger.InfoContext(ctx, "executing tool calls",
		slog.String("session_id", out.SessionID),
		slog.Int("turn", turn.Number),
		slog.Int("tool_calls", len(blocks)),
		slog.Duration("agent_latency", time.Since(start)),
	)

	verified := false
	var cancelled error
	results := make([]llm.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		call := tools.Call{ID: b.ID, Name: b.Name, Args: b.Input}
		rendered := renderCall(call)
		l.printf("Calling function: %s\n", rendered)
		l.record(ctx, out, turn.Number, transcript.Entry{Kind: transcript.KindToolCall, Tool: call.Name, Text: rendered})

		// Once cancelled, the rest of the turn still gets results so the
		// call/result pairing stays intact, but nothing else executes.
		if cancelled == nil {
			cancelled = ctx.Err()
		}
		var res *tools.Result
		if cancelled != nil {
			res = tools.Errorf(tools.Kind(call.Name), tools.CodeCancelled,
				"Error: %s was not executed: %v", call.Name, cancelled)
		} else {
			res = l.dispatcher.Dispatch(ctx, call)
		}

		l.printf("-> %s\n", res.String())
		l.record(ctx, out, turn.Number, transcript.Entry{
			Kind:   transcript.KindToolResult,
			Tool:   call.Name,
			Status: string(res.Status),
			Text:   resultSummary(res),
		})

		turn.Calls = append(turn.Calls, call)
		turn.Results = append(turn.Results, res)
		results = append(results, llm.ToolResultBlock(b.ID, res.String(), res.IsError()))

		if !verified && l.cfg.Verifier != nil && !res.IsError() && l.cfg.Verifier(call, res) {
			verified = true
		}
	}

	history = append(history, llm.Message{Role: llm.RoleUser, ContentBlocks: results})
	out.Conversation.Turns = append(out.Conversation.Turns, turn)

	if cancelled != nil {
		l.stopWithError(out, fmt.Errorf("loop cancelled: %w", cancelled))
		l.logger.WarnContext(ctx, "loop cancelled mid-turn",
			slog.String("session_id", out.SessionID),
			slog.Int("turn", turn.Number),
		)
		return history
	}
	if verified {
		out.State = StateStoppedOK
		out.Final = resp.Content
		if out.Final == "" {
			out.Final = "Verification passed."
		}
		l.logger.InfoContext(ctx, "verifier passed",
			slog.String("session_id", out.SessionID),
			slog.Int("turn", turn.Number),
		)
	}
	return history
}

func (l *Loop) stopWithError(out *Outcome, err error) {
	out.State = StateStoppedError
	out.Err = err
	out.Final = err.Error()
}

// record writes a transcript entry. Sink failures are logged, never fatal.
func (l *Loop) record(ctx context.Context, out *Outcome, turn int, e transcript.Entry) {
	e.SessionID = out.SessionID
	e.Turn = turn
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := l.sink.Record(ctx, e); err != nil {
		l.logger.WarnContext(ctx, "transcript write failed",
			slog.String("session_id", out.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Loop) printf(format string, args ...any) {
	if l.verbose != nil {
		fmt.Fprintf(l.verbose, format, args...)
	}
}

// assistantMessage keeps the structured blocks so tool_use IDs survive into
// the next request.
func assistantMessage(resp *llm.Response) llm.Message {
	if len(resp.ContentBlocks) == 0 {
		return llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
	}
	return llm.Message{Role: llm.RoleAssistant, ContentBlocks: resp.ContentBlocks}
}

// renderCall is the compact "name({...})" form used in verbose output and
// the transcript.
func renderCall(call tools.Call) string {
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%s(%v)", call.Name, args)
	}
	return fmt.Sprintf("%s(%s)", call.Name, data)
}

// resultSummary is the transcript text for a result: details, falling back
// to the code.
func resultSummary(res *tools.Result) string {
	if res.Details != "" {
		return res.Details
	}
	return string(res.Code)
}
