// Package config handles loading and validating devbot configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults.
const (
	DefaultMaxTurns          = 20
	DefaultRunTimeoutSeconds = 30
	DefaultGeminiModel       = "gemini-2.0-flash-001"
	DefaultTranscriptFormat  = "text"
)

// Config is the root configuration for devbot.
type Config struct {
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Cache         CacheConfig          `json:"cache" yaml:"cache"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Transcript    TranscriptConfig     `json:"transcript" yaml:"transcript"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Log           LogConfig            `json:"log" yaml:"log"`
}

// SandboxConfig configures the sandbox root and process execution.
type SandboxConfig struct {
	Root              string `json:"root" yaml:"root"`                                 // Override: DEVBOT_SANDBOX_ROOT env var.
	RunTimeoutSeconds int    `json:"run_timeout_seconds" yaml:"run_timeout_seconds"` // Default: 30.
	MaxOutputBytes    int    `json:"max_output_bytes" yaml:"max_output_bytes"`       // Per stream. 0 = 1 MB.
}

// RunTimeout returns the per-process timeout.
func (s SandboxConfig) RunTimeout() time.Duration {
	if s.RunTimeoutSeconds <= 0 {
		return DefaultRunTimeoutSeconds * time.Second
	}
	return time.Duration(s.RunTimeoutSeconds) * time.Second
}

// ToolsConfig configures the file and process tools.
type ToolsConfig struct {
	ReadMaxChars int               `json:"read_max_chars" yaml:"read_max_chars"` // 0 = no cap.
	Interpreters map[string]string `json:"interpreters" yaml:"interpreters"`     // Extension → interpreter. Default: .py → python3.
}

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	Disabled          bool  `json:"disabled" yaml:"disabled"`
	InvalidateOnWrite *bool `json:"invalidate_on_write,omitempty" yaml:"invalidate_on_write,omitempty"` // nil = true.
}

// Invalidates reports whether a successful write drops affected cache entries.
func (c CacheConfig) Invalidates() bool {
	return c.InvalidateOnWrite == nil || *c.InvalidateOnWrite
}

// AgentConfig configures the control loop.
type AgentConfig struct {
	MaxTurns     int    `json:"max_turns" yaml:"max_turns"`         // Default: 20. Override: DEVBOT_MAX_TURNS.
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens"`       // Per response. 0 = provider default.
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"` // Empty = built-in prompt.
	Verifier     string `json:"verifier" yaml:"verifier"`           // "", "run_exit_zero" or "artifact:<key>".
}

// ProviderConfig selects and configures the agent collaborator.
type ProviderConfig struct {
	Name              string         `json:"name" yaml:"name"`                               // "gemini" (default) or "scripted".
	RequestsPerMinute int            `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unpaced.
	Gemini            GeminiConfig   `json:"gemini" yaml:"gemini"`
	Scripted          ScriptedConfig `json:"scripted" yaml:"scripted"`
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: GEMINI_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
	// FallbackModels are tried in order when the primary model fails.
	FallbackModels []string `json:"fallback_models,omitempty" yaml:"fallback_models,omitempty"`
}

// ScriptedConfig points at a file of canned agent turns.
type ScriptedConfig struct {
	Path string `json:"path" yaml:"path"`
}

// TranscriptConfig configures where the conversation transcript is written.
type TranscriptConfig struct {
	Driver   string                    `json:"driver" yaml:"driver"` // "none" (default), "file", "sqlite", "postgres".
	File     FileTranscriptConfig      `json:"file" yaml:"file"`
	SQLite   SQLiteTranscriptConfig    `json:"sqlite" yaml:"sqlite"`
	Postgres *PostgresTranscriptConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// TranscriptDriver returns the configured driver, defaulting to "none".
func (t TranscriptConfig) TranscriptDriver() string {
	if t.Driver == "" {
		return "none"
	}
	return t.Driver
}

type FileTranscriptConfig struct {
	Path   string `json:"path" yaml:"path"`
	Format string `json:"format" yaml:"format"` // "text" (default) or "jsonl".
}

type SQLiteTranscriptConfig struct {
	Path string `json:"path" yaml:"path"`
}

type PostgresTranscriptConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	ListenAddr string         `json:"listen_addr" yaml:"listen_addr"` // Empty = no HTTP listener.
	Metrics    *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing    *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly    *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "devbot"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures error-rate anomaly detection over tool and LLM calls.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error.
	Format string `json:"format" yaml:"format"` // json (default) or text.
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Root:              ".",
			RunTimeoutSeconds: DefaultRunTimeoutSeconds,
		},
		Agent:    AgentConfig{MaxTurns: DefaultMaxTurns},
		Provider: ProviderConfig{Name: "gemini", Gemini: GeminiConfig{Model: DefaultGeminiModel}},
		Tools: ToolsConfig{
			Interpreters: map[string]string{".py": "python3"},
		},
		Transcript: TranscriptConfig{Driver: "none"},
		Log:        LogConfig{Level: "info", Format: "json"},
	}
}

// DefaultConfigPath returns the config path from DEVBOT_CONFIG or "devbot.yaml".
func DefaultConfigPath() string {
	return goutils.Env("DEVBOT_CONFIG", "devbot.yaml")
}

// Load reads a JSON or YAML config file on top of Default and returns a
// validated Config. The format is detected by file extension: .yml/.yaml for
// YAML, everything else for JSON. A missing file is not an error.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		default:
			if err := decode(resolved, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() error {
	c.Provider.Gemini.APIKey = goutils.Env("GEMINI_API_KEY", c.Provider.Gemini.APIKey)
	c.Sandbox.Root = goutils.Env("DEVBOT_SANDBOX_ROOT", c.Sandbox.Root)
	if v := goutils.Env("DEVBOT_MAX_TURNS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEVBOT_MAX_TURNS: %w", err)
		}
		c.Agent.MaxTurns = n
	}
	return nil
}

// applyDefaults fills zero values a partial config file may leave behind.
func (c *Config) applyDefaults() {
	if c.Sandbox.RunTimeoutSeconds == 0 {
		c.Sandbox.RunTimeoutSeconds = DefaultRunTimeoutSeconds
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = DefaultMaxTurns
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "gemini"
	}
	if c.Provider.Gemini.Model == "" {
		c.Provider.Gemini.Model = DefaultGeminiModel
	}
	if len(c.Tools.Interpreters) == 0 {
		c.Tools.Interpreters = map[string]string{".py": "python3"}
	}
	if c.Transcript.File.Format == "" {
		c.Transcript.File.Format = DefaultTranscriptFormat
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Sandbox.Root) == "" {
		return fmt.Errorf("sandbox.root is required (set DEVBOT_SANDBOX_ROOT env var)")
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent.max_turns must be at least 1")
	}
	if c.Sandbox.RunTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.run_timeout_seconds must be positive")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Provider.RequestsPerMinute < 0 {
		return fmt.Errorf("provider.requests_per_minute must not be negative")
	}
	if c.Tools.ReadMaxChars < 0 {
		return fmt.Errorf("tools.read_max_chars must not be negative")
	}
	for ext, prog := range c.Tools.Interpreters {
		if strings.TrimSpace(ext) == "" || strings.TrimSpace(prog) == "" {
			return fmt.Errorf("tools.interpreters entries need both an extension and a program")
		}
	}
	if v := c.Agent.Verifier; v != "" && v != "run_exit_zero" && !strings.HasPrefix(v, "artifact:") {
		return fmt.Errorf("agent.verifier %q is not supported (use run_exit_zero or artifact:<key>)", v)
	}
	switch c.Transcript.TranscriptDriver() {
	case "none":
	case "file":
		if c.Transcript.File.Path == "" {
			return fmt.Errorf("transcript.file.path is required for the file driver")
		}
		if f := c.Transcript.File.Format; f != "text" && f != "jsonl" {
			return fmt.Errorf("transcript.file.format %q is not supported (use text or jsonl)", f)
		}
	case "sqlite":
		if c.Transcript.SQLite.Path == "" {
			return fmt.Errorf("transcript.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Transcript.Postgres == nil || c.Transcript.Postgres.DSN == "" {
			return fmt.Errorf("transcript.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("transcript.driver %q is not supported (use none, file, sqlite or postgres)", c.Transcript.Driver)
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if p := o.Tracing.Protocol; p != "" && p != "grpc" && p != "http" {
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", p)
		}
	}
	return nil
}

// ValidateProvider checks that the selected agent collaborator has the
// required fields. Only commands that talk to the agent call it, so tools
// can be invoked directly without an API key.
func (c *Config) ValidateProvider() error {
	switch c.Provider.Name {
	case "gemini":
		if c.Provider.Gemini.Model == "" {
			return fmt.Errorf("provider.gemini.model is required")
		}
		if c.Provider.Gemini.APIKey == "" {
			return fmt.Errorf("provider.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	case "scripted":
		if c.Provider.Scripted.Path == "" {
			return fmt.Errorf("provider.scripted.path is required")
		}
	default:
		return fmt.Errorf("provider.name %q is not supported (use gemini or scripted)", c.Provider.Name)
	}
	return nil
}
