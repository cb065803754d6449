package agent

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jkaninda/devbot/internal/observability"
	"github.com/jkaninda/devbot/internal/tools"
	"github.com/jkaninda/devbot/internal/workspace"
)

// unknownToolLabel replaces agent-supplied names in metric labels.
const unknownToolLabel = "unknown"

// Dispatcher routes tool calls to registered tools. It never returns an
// error and never lets a panic escape: every outcome is a *tools.Result.
//
// Flow: lookup → whitelist filter → typed decode → cache lookup → execute →
// cache store → invalidate on write.
//
// Dispatch is safe for concurrent use. Calls run one at a time, so a write
// never overlaps a read of the same file and a cache miss is filled once.
type Dispatcher struct {
	mu sync.Mutex

	ws                *workspace.Workspace
	registry          *tools.Registry
	cache             *ToolCache // nil = caching disabled
	invalidateOnWrite bool
	obs               *observability.Observability
	logger            *slog.Logger
}

// NewDispatcher creates a dispatcher bound to one sandbox root.
func NewDispatcher(ws *workspace.Workspace, registry *tools.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{ws: ws, registry: registry, logger: logger}
}

// WithCache enables result caching for cacheable tools. When
// invalidateOnWrite is set, a successful write drops cached entries for the
// written path and its ancestors.
func (d *Dispatcher) WithCache(cache *ToolCache, invalidateOnWrite bool) *Dispatcher {
	d.cache = cache
	d.invalidateOnWrite = invalidateOnWrite
	return d
}

// WithObservability attaches metrics, tracing and anomaly detection.
func (d *Dispatcher) WithObservability(obs *observability.Observability) *Dispatcher {
	d.obs = obs
	return d
}

// Registry returns the registry the dispatcher consults.
func (d *Dispatcher) Registry() *tools.Registry { return d.registry }

// Dispatch executes one call and returns its normalized result.
func (d *Dispatcher) Dispatch(ctx context.Context, call tools.Call) (res *tools.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	label := call.Name
	if d.registry.Get(call.Name) == nil {
		label = unknownToolLabel
	}

	ctx, span := d.obs.TracerOrNil().StartSpan(ctx, "tool.dispatch",
		attribute.String("tool.name", label),
		attribute.String("tool.call_id", call.ID),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("tool.status", string(res.Status)),
			attribute.String("tool.code", string(res.Code)),
		)
		if res.IsError() {
			span.SetStatus(codes.Error, res.Details)
		}
		span.End()
		d.obs.MetricsOrNil().RecordDispatch(label, string(res.Status), string(res.Code), time.Since(start))
		d.obs.AnomalyOrNil().Record(label, res.IsError())
	}()

	tool, err := d.registry.Lookup(call.Name)
	if err != nil {
		d.logger.WarnContext(ctx, "unknown tool requested",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
		)
		return tools.Errorf(tools.Kind(call.Name), tools.CodeUnknownTool, "unknown function: %s", call.Name)
	}
	kind := tools.Kind(tool.Name())

	args := tools.Filter(tool, call.Args)
	if dropped := len(call.Args) - len(args); dropped > 0 {
		d.logger.DebugContext(ctx, "dropped arguments outside the whitelist",
			slog.String("tool", tool.Name()),
			slog.Int("dropped", dropped),
		)
	}
	typed, err := tool.Decode(args)
	if err != nil {
		d.logger.InfoContext(ctx, "tool call rejected",
			slog.String("tool", tool.Name()),
			slog.String("call_id", call.ID),
			slog.String("error", err.Error()),
		)
		return tools.Errorf(kind, tools.CodeInvalidArgs, "Error: invalid arguments for %s: %v", tool.Name(), err)
	}

	cacheable := d.cache != nil && tool.Cacheable()
	if cacheable {
		if hit, ok := d.cache.Get(tool.Name(), args); ok {
			d.obs.MetricsOrNil().RecordCacheLookup(tool.Name(), true)
			d.logger.DebugContext(ctx, "tool cache hit",
				slog.String("tool", tool.Name()),
				slog.String("call_id", call.ID),
			)
			return hit
		}
		d.obs.MetricsOrNil().RecordCacheLookup(tool.Name(), false)
	}

	res = d.execute(ctx, tool, typed)

	if cacheable {
		d.cache.Set(tool.Name(), args, res)
	}
	if d.cache != nil && d.invalidateOnWrite && kind == tools.KindWrite && res.Status == tools.StatusOK {
		if n := d.cache.InvalidatePath(res.Target); n > 0 {
			d.logger.DebugContext(ctx, "cache entries invalidated",
				slog.String("path", d.ws.Rel(res.Target)),
				slog.Int("entries", n),
			)
		}
	}

	d.logOutcome(ctx, call, res, time.Since(start))
	return res
}

// execute runs the tool, converting returned errors and panics into
// exception results.
func (d *Dispatcher) execute(ctx context.Context, tool tools.Tool, args tools.Args) (res *tools.Result) {
	kind := tools.Kind(tool.Name())
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "tool panicked",
				slog.String("tool", tool.Name()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = tools.Errorf(kind, tools.CodeException, "exception: %v", r)
		}
	}()

	out, err := tool.Execute(ctx, d.ws, args)
	if err != nil {
		d.logger.ErrorContext(ctx, "tool execution failed",
			slog.String("tool", tool.Name()),
			slog.String("error", err.Error()),
		)
		return tools.Errorf(kind, tools.CodeException, "exception: %v", err)
	}
	if out == nil {
		return tools.Errorf(kind, tools.CodeException, "exception: %s returned no result", tool.Name())
	}
	return out
}

// logOutcome logs expected failures at Info and successes at Debug.
// Exceptions were already logged at Error by execute.
func (d *Dispatcher) logOutcome(ctx context.Context, call tools.Call, res *tools.Result, elapsed time.Duration) {
	attrs := []any{
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", elapsed),
	}
	switch {
	case res.Code == tools.CodeException:
	case res.IsError():
		d.logger.InfoContext(ctx, "tool call failed", append(attrs,
			slog.String("code", string(res.Code)),
			slog.String("details", res.Details),
		)...)
	default:
		d.logger.DebugContext(ctx, "tool call completed", attrs...)
	}
}
