package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jkaninda/devbot/internal/agent"
	"github.com/jkaninda/devbot/internal/config"
	"github.com/jkaninda/devbot/internal/llm"
	"github.com/jkaninda/devbot/internal/llm/gemini"
	"github.com/jkaninda/devbot/internal/llm/scripted"
	"github.com/jkaninda/devbot/internal/observability"
	"github.com/jkaninda/devbot/internal/ratelimit"
	"github.com/jkaninda/devbot/internal/sandbox"
	"github.com/jkaninda/devbot/internal/tools"
	"github.com/jkaninda/devbot/internal/tools/file"
	"github.com/jkaninda/devbot/internal/tools/run"
	"github.com/jkaninda/devbot/internal/transcript"
	"github.com/jkaninda/devbot/internal/transcript/postgres"
	"github.com/jkaninda/devbot/internal/transcript/sqlite"
	"github.com/jkaninda/devbot/internal/workspace"
)

// components holds the subsystems every command needs. Built once by
// initComponents, torn down by Cleanup.
type components struct {
	Config     *config.Config
	Logger     *slog.Logger
	Workspace  *workspace.Workspace
	Obs        *observability.Observability
	Registry   *tools.Registry
	Dispatcher *agent.Dispatcher

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// loadConfig reads the config file and builds the logger from it, letting
// the global flags override the log section.
func loadConfig() (*config.Config, *slog.Logger, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// initComponents wires workspace, observability, sandbox, tools and the
// dispatcher. Callers must call Cleanup when done.
func initComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{Config: cfg, Logger: logger}

	ws, err := workspace.New(cfg.Sandbox.Root)
	if err != nil {
		return nil, fmt.Errorf("initializing sandbox root: %w", err)
	}
	c.Workspace = ws
	logger.Debug("sandbox root initialized", slog.String("root", ws.Root))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
		obs.Health.AddCheck("sandbox_root", func(context.Context) error {
			info, err := os.Stat(ws.Root)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", ws.Root)
			}
			return nil
		})
		if a := obs.AnomalyOrNil(); a != nil {
			obs.Health.AddCheck("error_rate", a.Check)
		}
	}

	var executor sandbox.Executor = sandbox.NewProcessExecutor(sandbox.ProcessConfig{
		DefaultTimeout: cfg.Sandbox.RunTimeout(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	}, logger)
	if obs != nil {
		executor = observability.NewInstrumentedExecutor(executor, "process", obs)
	}
	logger.Debug("sandbox executor initialized",
		slog.Duration("timeout", cfg.Sandbox.RunTimeout()),
		slog.Any("interpreters", cfg.Tools.Interpreters),
	)

	c.Registry = tools.NewRegistry(
		file.NewListTool(logger),
		file.NewReadTool(file.Config{ReadMaxChars: cfg.Tools.ReadMaxChars}, logger),
		file.NewWriteTool(logger),
		run.New(run.Config{Interpreters: cfg.Tools.Interpreters}, executor, logger),
	)
	logger.Debug("tools registered", slog.Any("tools", c.Registry.Names()))

	c.Dispatcher = agent.NewDispatcher(ws, c.Registry, logger).WithObservability(obs)
	if !cfg.Cache.Disabled {
		c.Dispatcher.WithCache(agent.NewToolCache(), cfg.Cache.Invalidates())
		logger.Debug("tool result cache enabled", slog.Bool("invalidate_on_write", cfg.Cache.Invalidates()))
	}
	return c, nil
}

// startObservabilityServer serves health and metrics in the background when
// a listen address is configured.
func (c *components) startObservabilityServer(ctx context.Context) {
	o := c.Config.Observability
	if c.Obs == nil || o == nil || o.ListenAddr == "" {
		return
	}
	metricsPath := ""
	if o.Metrics != nil {
		metricsPath = o.Metrics.Path
	}
	srv := observability.NewServer(o.ListenAddr, metricsPath, c.Obs, c.Logger)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Logger.Error("observability server failed", slog.String("error", err.Error()))
		}
	}()
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			c.Logger.Error("stopping observability server", slog.String("error", err.Error()))
		}
	})
}

// newProvider builds the agent collaborator selected in config.
func newProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	if err := cfg.ValidateProvider(); err != nil {
		return nil, err
	}
	var provider llm.Provider
	switch cfg.Provider.Name {
	case "scripted":
		p, err := scripted.Load(cfg.Provider.Scripted.Path)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		g := cfg.Provider.Gemini
		chain := []llm.Provider{gemini.NewClient(g.APIKey, g.Model, logger, gemini.WithBaseURL(g.BaseURL))}
		for _, model := range g.FallbackModels {
			chain = append(chain, gemini.NewClient(g.APIKey, model, logger, gemini.WithBaseURL(g.BaseURL)))
		}
		fb, err := llm.NewFallback(logger, chain...)
		if err != nil {
			return nil, err
		}
		provider = fb
	}
	if rpm := cfg.Provider.RequestsPerMinute; rpm > 0 {
		provider = llm.NewPaced(provider, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: rpm}))
		logger.Debug("agent requests paced", slog.Int("requests_per_minute", rpm))
	}
	return provider, nil
}

// openTranscript opens the configured transcript sink. The returned sink is
// never nil.
func (c *components) openTranscript() (transcript.Sink, error) {
	t := c.Config.Transcript
	var (
		sink transcript.Sink
		err  error
	)
	switch t.TranscriptDriver() {
	case "file":
		sink, err = transcript.OpenFile(t.File.Path, t.File.Format, c.Logger)
	case "sqlite":
		var store *postgres.Store
		store, err = sqlite.Open(sqlite.Config{Path: t.SQLite.Path}, c.Logger)
		if err == nil {
			c.addHealthCheck("transcript", store.Ping)
			sink = store
		}
	case "postgres":
		var store *postgres.Store
		store, err = postgres.Open(postgres.Config{
			DSN:             t.Postgres.DSN,
			MaxOpenConns:    t.Postgres.MaxOpenConns,
			MaxIdleConns:    t.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(t.Postgres.ConnMaxLifetimeSeconds) * time.Second,
		}, c.Logger)
		if err == nil {
			c.addHealthCheck("transcript", store.Ping)
			sink = store
		}
	default:
		return transcript.Nop{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s transcript: %w", t.TranscriptDriver(), err)
	}
	c.addCleanup(func() {
		if err := sink.Close(); err != nil {
			c.Logger.Error("closing transcript", slog.String("error", err.Error()))
		}
	})
	c.Logger.Debug("transcript initialized", slog.String("driver", t.TranscriptDriver()))
	return sink, nil
}

func (c *components) addHealthCheck(name string, check func(context.Context) error) {
	if c.Obs != nil && c.Obs.Health != nil {
		c.Obs.Health.AddCheck(name, check)
	}
}
