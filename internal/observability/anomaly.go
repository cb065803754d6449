package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/devbot/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	// minAnomalySamples is the number of outcomes needed before a rate is judged.
	minAnomalySamples = 5
)

// AnomalyDetector flags operations (tool names, the agent backend) whose
// error rate inside a sliding window exceeds the configured threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	threshold float64
	window    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		now:       time.Now,
		logger:    logger,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.errors, operation).add(a.now())
	if rate, total, bad := a.rateLocked(operation); bad && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("total", total),
		)
	}
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFor(a.successes, operation).add(a.now())
}

// Record records the outcome of an operation.
func (a *AnomalyDetector) Record(operation string, failed bool) {
	if failed {
		a.RecordError(operation)
		return
	}
	a.RecordSuccess(operation)
}

// Anomalous returns the operations currently above the error-rate threshold.
func (a *AnomalyDetector) Anomalous() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []string
	for op := range a.errors {
		if _, _, bad := a.rateLocked(op); bad {
			out = append(out, op)
		}
	}
	sort.Strings(out)
	return out
}

// Check is a readiness check that fails while any operation is anomalous.
func (a *AnomalyDetector) Check(_ context.Context) error {
	if ops := a.Anomalous(); len(ops) > 0 {
		return fmt.Errorf("high error rate: %s", strings.Join(ops, ", "))
	}
	return nil
}

// rateLocked must be called with a.mu held.
func (a *AnomalyDetector) rateLocked(operation string) (rate float64, total int, bad bool) {
	if a.threshold <= 0 {
		return 0, 0, false
	}
	now := a.now()
	errs := a.windowFor(a.errors, operation).count(now)
	total = errs + a.windowFor(a.successes, operation).count(now)
	if total < minAnomalySamples {
		return 0, total, false
	}
	rate = float64(errs) / float64(total)
	return rate, total, rate > a.threshold
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(ts time.Time) {
	w.entries = append(w.entries, ts)
	w.prune(ts)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
