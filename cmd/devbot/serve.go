package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/devbot/internal/mcpserver"
)

var serveMCPCmd = &cobra.Command{
	Use:   "serve-mcp",
	Short: "Serve the sandbox tools over MCP on stdin/stdout",
	Long: `Expose list, read, write and run as Model Context Protocol tools. Calls go
through the same dispatcher as the agent loop, so path containment, argument
whitelisting and caching apply unchanged. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runServeMCP,
}

func runServeMCP(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := initComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	srv, err := mcpserver.New(c.Dispatcher, version, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c.startObservabilityServer(ctx)

	return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
}
