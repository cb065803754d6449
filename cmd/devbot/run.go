package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/devbot/internal/agent"
	"github.com/jkaninda/devbot/internal/observability"
)

// Exit codes for the run command.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitBudget  = 2
)

var (
	runMaxTurns int
	runVerifier string
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Let the agent work on a task inside the sandbox",
	Long: `Send a task to the planning agent and execute the tool calls it asks for
until it answers without calling tools, a verifier passes or the turn budget
runs out.

Examples:
  devbot run "fix the bug in the calculator"
  devbot run --verbose --max-turns 5 "why does main.py crash?"
  devbot run --verifier run_exit_zero "make tests.py pass"

Exit codes:
  0  the agent finished
  1  the agent request failed or the run was interrupted
  2  the turn budget ran out`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "turn budget (overrides agent.max_turns)")
	runCmd.Flags().StringVar(&runVerifier, "verifier", "", "stop early when a result passes: run_exit_zero or artifact:<key>")
}

func runTask(_ *cobra.Command, args []string) error {
	outcome, err := executeTask(strings.Join(args, " "))
	if err != nil {
		return err
	}
	switch outcome.State {
	case agent.StateStoppedBudget:
		os.Exit(ExitBudget)
	case agent.StateStoppedError:
		os.Exit(ExitFailure)
	}
	return nil
}

// executeTask runs one loop and prints its outcome. Setup failures are
// returned; loop failures are reported through the outcome.
func executeTask(task string) (*agent.Outcome, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if runMaxTurns > 0 {
		cfg.Agent.MaxTurns = runMaxTurns
	}
	if runVerifier != "" {
		cfg.Agent.Verifier = runVerifier
	}
	verifier, err := agent.ParseVerifier(cfg.Agent.Verifier)
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing agent provider: %w", err)
	}

	c, err := initComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer c.Cleanup()

	if c.Obs != nil {
		provider = observability.NewInstrumentedProvider(provider, c.Obs)
	}
	sink, err := c.openTranscript()
	if err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c.startObservabilityServer(ctx)

	prompt := cfg.Agent.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	loop := agent.NewLoop(provider, c.Dispatcher, agent.LoopConfig{
		SystemPrompt: prompt,
		MaxTurns:     cfg.Agent.MaxTurns,
		MaxTokens:    cfg.Agent.MaxTokens,
		Verifier:     verifier,
	}, logger).
		WithTranscript(sink).
		WithObservability(c.Obs)
	if verbose {
		loop.WithVerbose(os.Stdout)
	}

	outcome, err := loop.Run(ctx, task)
	if err != nil {
		logger.Error("run failed",
			slog.String("session_id", outcome.SessionID),
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	} else if outcome.Final != "" {
		fmt.Println(outcome.Final)
	}
	fmt.Fprintf(os.Stderr, "\n[session=%s state=%s turns=%d prompt_tokens=%d response_tokens=%d]\n",
		outcome.SessionID, outcome.State, outcome.Turns, outcome.Usage.InputTokens, outcome.Usage.OutputTokens)
	return outcome, nil
}
