package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jkaninda/devbot/internal/tools"
	"github.com/jkaninda/devbot/internal/workspace"
)

// Entry is one item of a directory listing. Size is omitted for directories.
type Entry struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"is_directory"`
	Size        *int64 `json:"size,omitempty"`
}

// ListTool lists the immediate, non-hidden entries of a directory.
type ListTool struct {
	logger *slog.Logger
}

// NewListTool creates the list tool.
func NewListTool(logger *slog.Logger) *ListTool {
	return &ListTool{logger: logger}
}

func (t *ListTool) Name() string { return string(tools.KindList) }
func (t *ListTool) Description() string {
	return "Lists files in the specified directory relative to the working directory, with file sizes and whether each entry is a directory"
}
func (t *ListTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			tools.ParamDirectory: map[string]any{
				"type":        "string",
				"description": "Directory to list, relative to the working directory. Defaults to the working directory itself.",
			},
		},
	}
}
func (t *ListTool) Params() []string { return []string{tools.ParamDirectory} }
func (t *ListTool) Cacheable() bool  { return true }

func (t *ListTool) Decode(params map[string]any) (tools.Args, error) {
	dir, err := tools.OptionalString(params, tools.ParamDirectory, ".")
	if err != nil {
		return nil, err
	}
	return tools.ListArgs{Directory: dir}, nil
}

func (t *ListTool) Execute(ctx context.Context, ws *workspace.Workspace, args tools.Args) (*tools.Result, error) {
	a, ok := args.(tools.ListArgs)
	if !ok {
		return nil, argsMismatch("ListArgs", args)
	}
	resolved, res, err := resolve(ws, tools.KindList, a.Directory)
	if res != nil || err != nil {
		return res, err
	}
	info, res, err := statTarget(tools.KindList, a.Directory, resolved)
	if res != nil || err != nil {
		return res, err
	}
	if !info.IsDir() {
		return tools.Errorf(tools.KindList, tools.CodeWrongType, "Error: %q is not a directory", a.Directory), nil
	}

	t.logger.DebugContext(ctx, "listing directory", slog.String("path", resolved))

	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", resolved, err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		// Follow symlinks so a link to a directory lists as one. A dangling
		// link falls back to the link itself.
		info, err := os.Stat(filepath.Join(resolved, de.Name()))
		if err != nil {
			if info, err = de.Info(); err != nil {
				// Removed between ReadDir and Info.
				continue
			}
		}
		e := Entry{Name: de.Name(), IsDirectory: info.IsDir()}
		if !e.IsDirectory {
			size := info.Size()
			e.Size = &size
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	r := tools.OK(tools.KindList, fmt.Sprintf("%d entries in %s", len(entries), ws.Rel(resolved)), map[string]any{
		"directory": ws.Rel(resolved),
		"entries":   entries,
	})
	r.Target = resolved
	return r, nil
}
