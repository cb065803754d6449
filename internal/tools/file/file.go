// Package file implements the list, read and write tools.
//
// Every path goes through (*workspace.Workspace).Resolve before any I/O, so
// traversal and symlink escapes come back as containment_violation results
// rather than touching the filesystem.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jkaninda/devbot/internal/tools"
	"github.com/jkaninda/devbot/internal/workspace"
)

// Config configures the file tools.
type Config struct {
	// ReadMaxChars caps the characters returned by read. 0 = no cap.
	ReadMaxChars int
}

// resolve maps a caller path through the workspace. Containment failures
// become result values; anything else is a fault for the dispatcher.
func resolve(ws *workspace.Workspace, kind tools.Kind, path string) (string, *tools.Result, error) {
	resolved, err := ws.Resolve(path)
	if err == nil {
		return resolved, nil, nil
	}
	var ce *workspace.ContainmentError
	if errors.As(err, &ce) {
		return "", tools.Errorf(kind, tools.CodeContainment,
			"Error: Cannot access %q as it is outside the permitted working directory", path), nil
	}
	return "", nil, err
}

// statTarget stats a resolved path, mapping a missing target to not_found.
func statTarget(kind tools.Kind, path, resolved string) (fs.FileInfo, *tools.Result, error) {
	info, err := os.Stat(resolved)
	if err == nil {
		return info, nil, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, tools.Errorf(kind, tools.CodeNotFound, "Error: %q does not exist", path), nil
	}
	return nil, nil, fmt.Errorf("stat %s: %w", resolved, err)
}

func argsMismatch(want string, got tools.Args) error {
	return fmt.Errorf("expected %s, got %T", want, got)
}
