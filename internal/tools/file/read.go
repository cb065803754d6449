package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/text/encoding/unicode"

	"github.com/jkaninda/devbot/internal/tools"
	"github.com/jkaninda/devbot/internal/workspace"
)

// ReadTool returns the UTF-8 text of a regular file.
type ReadTool struct {
	config Config
	logger *slog.Logger
}

// NewReadTool creates the read tool.
func NewReadTool(cfg Config, logger *slog.Logger) *ReadTool {
	return &ReadTool{config: cfg, logger: logger}
}

func (t *ReadTool) Name() string { return string(tools.KindRead) }
func (t *ReadTool) Description() string {
	return "Reads the contents of a file relative to the working directory"
}
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			tools.ParamFilePath: map[string]any{
				"type":        "string",
				"description": "Path of the file to read, relative to the working directory.",
			},
		},
		"required": []string{tools.ParamFilePath},
	}
}
func (t *ReadTool) Params() []string { return []string{tools.ParamFilePath} }
func (t *ReadTool) Cacheable() bool  { return true }

func (t *ReadTool) Decode(params map[string]any) (tools.Args, error) {
	path, err := tools.RequireString(params, tools.ParamFilePath)
	if err != nil {
		return nil, err
	}
	return tools.ReadArgs{FilePath: path}, nil
}

func (t *ReadTool) Execute(ctx context.Context, ws *workspace.Workspace, args tools.Args) (*tools.Result, error) {
	a, ok := args.(tools.ReadArgs)
	if !ok {
		return nil, argsMismatch("ReadArgs", args)
	}
	resolved, res, err := resolve(ws, tools.KindRead, a.FilePath)
	if res != nil || err != nil {
		return res, err
	}
	info, res, err := statTarget(tools.KindRead, a.FilePath, resolved)
	if res != nil || err != nil {
		return res, err
	}
	if !info.Mode().IsRegular() {
		return tools.Errorf(tools.KindRead, tools.CodeWrongType, "Error: %q is not a regular file", a.FilePath), nil
	}

	t.logger.DebugContext(ctx, "reading file",
		slog.String("path", resolved),
		slog.Int64("size_bytes", info.Size()),
	)

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", resolved, err)
	}
	text, err := decodeUTF8(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", resolved, err)
	}

	rel := ws.Rel(resolved)
	text, truncated := truncate(text, rel, t.config.ReadMaxChars)
	artifacts := map[string]any{"file_path": rel, "content": text}
	if truncated {
		artifacts["truncated"] = true
	}

	r := tools.OK(tools.KindRead, fmt.Sprintf("read %d bytes from %s", len(data), rel), artifacts)
	r.Target = resolved
	return r, nil
}

// decodeUTF8 replaces invalid byte sequences with U+FFFD.
func decodeUTF8(data []byte) (string, error) {
	out, err := unicode.UTF8.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// truncate cuts text to max characters (runes) and appends a marker.
// max <= 0 disables the cap.
func truncate(text, path string, max int) (string, bool) {
	if max <= 0 {
		return text, false
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text, false
	}
	return string(runes[:max]) + fmt.Sprintf("[...File %q truncated at %d characters]", path, max), true
}
