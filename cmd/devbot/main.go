// devbot is a sandboxed coding assistant: a planning agent drives list,
// read, write and run tools confined to one working directory.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "devbot",
	Short: "A sandboxed coding assistant",
	Long: `devbot lets a planning agent inspect, edit and execute code inside a
single sandbox directory. Every path is confined to the sandbox root, tool
results are cached between writes, and each run is bounded by a turn budget.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $DEVBOT_CONFIG or devbot.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or text")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print prompts, token usage and every tool call")

	rootCmd.AddCommand(runCmd, callCmd, serveMCPCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger on stderr. Flags win over config.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (use json or text)", format)
	}
}
