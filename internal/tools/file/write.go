package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jkaninda/devbot/internal/tools"
	"github.com/jkaninda/devbot/internal/workspace"
)

// maxBackups bounds the search for a free .bak.N name.
const maxBackups = 10000

// WriteTool writes text files. Unchanged content is a noop; changed content
// first moves the old file aside to a numbered backup.
type WriteTool struct {
	logger *slog.Logger
}

// NewWriteTool creates the write tool.
func NewWriteTool(logger *slog.Logger) *WriteTool {
	return &WriteTool{logger: logger}
}

func (t *WriteTool) Name() string { return string(tools.KindWrite) }
func (t *WriteTool) Description() string {
	return "Writes content to a file relative to the working directory, creating parent directories as needed. An existing file with different content is backed up first"
}
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			tools.ParamFilePath: map[string]any{
				"type":        "string",
				"description": "Path of the file to write, relative to the working directory.",
			},
			tools.ParamContent: map[string]any{
				"type":        "string",
				"description": "Full content to write to the file.",
			},
		},
		"required": []string{tools.ParamFilePath, tools.ParamContent},
	}
}
func (t *WriteTool) Params() []string { return []string{tools.ParamFilePath, tools.ParamContent} }
func (t *WriteTool) Cacheable() bool  { return false }

func (t *WriteTool) Decode(params map[string]any) (tools.Args, error) {
	path, err := tools.RequireString(params, tools.ParamFilePath)
	if err != nil {
		return nil, err
	}
	content, err := tools.RequireContent(params, tools.ParamContent)
	if err != nil {
		return nil, err
	}
	return tools.WriteArgs{FilePath: path, Content: content}, nil
}

func (t *WriteTool) Execute(ctx context.Context, ws *workspace.Workspace, args tools.Args) (*tools.Result, error) {
	a, ok := args.(tools.WriteArgs)
	if !ok {
		return nil, argsMismatch("WriteArgs", args)
	}
	resolved, res, err := resolve(ws, tools.KindWrite, a.FilePath)
	if res != nil || err != nil {
		return res, err
	}
	rel := ws.Rel(resolved)
	content := []byte(a.Content)

	artifacts := map[string]any{"file_path": rel}
	info, err := os.Stat(resolved)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return tools.Errorf(tools.KindWrite, tools.CodeWrongType, "Error: %q is not a regular file", a.FilePath), nil
		}
		existing, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", resolved, err)
		}
		if bytes.Equal(existing, content) {
			t.logger.DebugContext(ctx, "write skipped, content unchanged", slog.String("path", resolved))
			artifacts["bytes_written"] = 0
			r := tools.Noop(tools.KindWrite, fmt.Sprintf("%s already has the requested content", rel), artifacts)
			r.Target = resolved
			return r, nil
		}
		backup, err := backupFile(resolved)
		if err != nil {
			return nil, err
		}
		artifacts["backup"] = ws.Rel(backup)
		t.logger.InfoContext(ctx, "backed up existing file",
			slog.String("path", resolved),
			slog.String("backup", backup),
		)
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("stat %s: %w", resolved, err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0750); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(resolved, content, fs.FileMode(0640)); err != nil {
		return nil, fmt.Errorf("writing %s: %w", resolved, err)
	}

	t.logger.InfoContext(ctx, "file written",
		slog.String("path", resolved),
		slog.Int("content_size", len(content)),
	)

	artifacts["bytes_written"] = len(content)
	r := tools.OK(tools.KindWrite, fmt.Sprintf("Successfully wrote to %q (%d characters written)", rel, len(a.Content)), artifacts)
	r.Target = resolved
	return r, nil
}

// backupFile renames path to the first free name of path.bak, path.bak.1,
// path.bak.2, ... and returns the new name.
func backupFile(path string) (string, error) {
	for n := 0; n < maxBackups; n++ {
		candidate := path + ".bak"
		if n > 0 {
			candidate = fmt.Sprintf("%s.bak.%d", path, n)
		}
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			if err := os.Rename(path, candidate); err != nil {
				return "", fmt.Errorf("backing up %s: %w", path, err)
			}
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("backing up %s: no free backup name after %d attempts", path, maxBackups)
}
