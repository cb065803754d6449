package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/devbot/internal/tools"
)

var callCmd = &cobra.Command{
	Use:   "call <tool> [key=value | key:=json ...]",
	Short: "Dispatch a single tool call without the agent",
	Long: `Invoke one tool through the same dispatcher the agent uses and print the
JSON result. key=value always passes a string, so file content is never
reinterpreted. Use key:=value to pass a JSON value such as an array.

Examples:
  devbot call list
  devbot call read file_path=main.py
  devbot call run file_path=main.py 'args:=["3 + 5"]'
  devbot call write file_path=notes.txt content="hello"
  devbot call write file_path=config.json 'content={"debug": true}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func runCall(_ *cobra.Command, args []string) error {
	params, err := parseCallArgs(args[1:])
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := initComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	res := c.Dispatcher.Dispatch(context.Background(), tools.Call{
		ID:   "cli-" + uuid.NewString(),
		Name: args[0],
		Args: params,
	})
	out, err := json.MarshalIndent(res.Payload(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))
	if res.IsError() {
		c.Cleanup()
		os.Exit(ExitFailure)
	}
	return nil
}

// parseCallArgs turns key=value pairs into call arguments. key=value is
// always a string; key:=value is decoded as JSON.
func parseCallArgs(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" || key == ":" {
			return nil, fmt.Errorf("argument %q is not key=value or key:=json", p)
		}
		name, typed := strings.CutSuffix(key, ":")
		if !typed {
			params[key] = raw
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("argument %q: invalid JSON value: %w", name, err)
		}
		params[name] = v
	}
	return params, nil
}
