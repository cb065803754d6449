package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "DEVBOT_SANDBOX_ROOT", "DEVBOT_MAX_TURNS"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxTurns != DefaultMaxTurns {
		t.Errorf("MaxTurns = %d, want %d", cfg.Agent.MaxTurns, DefaultMaxTurns)
	}
	if cfg.Sandbox.RunTimeout() != 30*time.Second {
		t.Errorf("RunTimeout = %s", cfg.Sandbox.RunTimeout())
	}
	if !cfg.Cache.Invalidates() {
		t.Error("cache invalidation should default to on")
	}
	if cfg.Tools.Interpreters[".py"] != "python3" {
		t.Errorf("interpreters = %v", cfg.Tools.Interpreters)
	}
	if cfg.Transcript.TranscriptDriver() != "none" {
		t.Errorf("transcript driver = %q", cfg.Transcript.TranscriptDriver())
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "devbot.yaml", `
sandbox:
  root: /srv/calculator
  run_timeout_seconds: 5
tools:
  read_max_chars: 10000
  interpreters:
    .sh: /bin/sh
cache:
  invalidate_on_write: false
provider:
  requests_per_minute: 15
  gemini:
    fallback_models: [gemini-2.0-flash-lite]
agent:
  max_turns: 7
  verifier: run_exit_zero
transcript:
  driver: file
  file:
    path: /tmp/transcript.jsonl
    format: jsonl
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Root != "/srv/calculator" || cfg.Sandbox.RunTimeout() != 5*time.Second {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Tools.ReadMaxChars != 10000 || cfg.Tools.Interpreters[".sh"] != "/bin/sh" {
		t.Errorf("tools = %+v", cfg.Tools)
	}
	if cfg.Cache.Invalidates() {
		t.Error("invalidate_on_write: false was ignored")
	}
	if cfg.Agent.MaxTurns != 7 || cfg.Agent.Verifier != "run_exit_zero" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Transcript.File.Format != "jsonl" {
		t.Errorf("transcript = %+v", cfg.Transcript)
	}
	p2 := cfg.Provider
	if p2.RequestsPerMinute != 15 || len(p2.Gemini.FallbackModels) != 1 || p2.Gemini.Model != DefaultGeminiModel {
		t.Errorf("provider = %+v", p2)
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "devbot.json", `{"sandbox":{"root":"work"},"agent":{"max_turns":3}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Root != "work" || cfg.Agent.MaxTurns != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Sandbox.RunTimeoutSeconds != DefaultRunTimeoutSeconds {
		t.Errorf("partial file should keep defaults, timeout = %d", cfg.Sandbox.RunTimeoutSeconds)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("DEVBOT_SANDBOX_ROOT", "/from/env")
	t.Setenv("DEVBOT_MAX_TURNS", "4")
	p := writeConfig(t, "devbot.yaml", "sandbox:\n  root: /from/file\nprovider:\n  gemini:\n    api_key: file-key\n")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Gemini.APIKey != "env-key" {
		t.Errorf("APIKey = %q", cfg.Provider.Gemini.APIKey)
	}
	if cfg.Sandbox.Root != "/from/env" {
		t.Errorf("Root = %q", cfg.Sandbox.Root)
	}
	if cfg.Agent.MaxTurns != 4 {
		t.Errorf("MaxTurns = %d", cfg.Agent.MaxTurns)
	}
	if err := cfg.ValidateProvider(); err != nil {
		t.Errorf("ValidateProvider: %v", err)
	}

	t.Setenv("DEVBOT_MAX_TURNS", "many")
	if _, err := Load(p); err == nil {
		t.Error("non-numeric DEVBOT_MAX_TURNS should fail")
	}
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"negative turns", "agent:\n  max_turns: -1\n", "max_turns"},
		{"bad driver", "transcript:\n  driver: redis\n", "transcript.driver"},
		{"file without path", "transcript:\n  driver: file\n", "transcript.file.path"},
		{"sqlite without path", "transcript:\n  driver: sqlite\n", "transcript.sqlite.path"},
		{"postgres without dsn", "transcript:\n  driver: postgres\n", "transcript.postgres.dsn"},
		{"negative pacing", "provider:\n  requests_per_minute: -2\n", "requests_per_minute"},
		{"bad verifier", "agent:\n  verifier: vibes\n", "agent.verifier"},
		{"bad format", "transcript:\n  driver: file\n  file:\n    path: t.log\n    format: xml\n", "format"},
		{"tracing without endpoint", "observability:\n  tracing:\n    enabled: true\n", "endpoint"},
		{"malformed yaml", "sandbox: [", "parsing YAML"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "devbot.yaml", tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestValidateProvider(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateProvider(); err == nil {
		t.Error("gemini without key should fail")
	}
	cfg.Provider = ProviderConfig{Name: "scripted", Scripted: ScriptedConfig{Path: "turns.yaml"}}
	if err := cfg.ValidateProvider(); err != nil {
		t.Errorf("scripted: %v", err)
	}
	cfg.Provider.Name = "ollama"
	if err := cfg.ValidateProvider(); err == nil {
		t.Error("unknown provider should fail")
	}
}
