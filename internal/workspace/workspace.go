// Package workspace owns the sandbox root: the single directory outside of
// which no tool may read, write, or execute.
//
// The root is canonicalized once in New. Every tool resolves caller-supplied
// paths through (*Workspace).Resolve so that all of them share the same
// normalization rules.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrContainment is matched by every containment failure returned from Resolve.
var ErrContainment = errors.New("path escapes the sandbox root")

// ContainmentError reports a caller path that resolved outside the root.
type ContainmentError struct {
	Path     string // As supplied by the caller.
	Resolved string // Canonical form, may be empty if resolution stopped early.
}

func (e *ContainmentError) Error() string {
	if e.Resolved == "" {
		return fmt.Sprintf("cannot access %q: outside the working directory", e.Path)
	}
	return fmt.Sprintf("cannot access %q: resolves to %q which is outside the working directory", e.Path, e.Resolved)
}

// Unwrap returns ErrContainment so that errors.Is(err, ErrContainment) works.
func (e *ContainmentError) Unwrap() error {
	return ErrContainment
}

// Workspace is an immutable, canonical sandbox root.
type Workspace struct {
	Root string
}

// New canonicalizes root (expanding ~ and resolving symlinks) and verifies
// that it exists and is a directory. The directory is never created here:
// a missing root is a configuration error.
func New(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("sandbox root must not be empty")
	}
	abs, err := expandPath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %q: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %q: %w", root, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root %q: %w", canonical, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", canonical)
	}
	return &Workspace{Root: canonical}, nil
}

// Resolve maps a caller-supplied path to its canonical absolute form and
// proves that it lies within the root. Relative paths are joined to the
// root; absolute paths are taken as-is and must already point inside it.
// Symlinks and ".." segments are fully resolved before the check, so
// neither traversal nor a symlink pointing outside can escape.
//
// The target does not need to exist (write creates files): the deepest
// existing ancestor is canonicalized and the remaining segments re-appended.
//
// A containment failure is returned as *ContainmentError; any other error
// is an unexpected filesystem fault.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(w.Root, joined)
	}
	joined = filepath.Clean(joined)

	resolved, err := canonicalize(joined)
	if err != nil {
		return "", err
	}
	if !w.Contains(resolved) {
		return "", &ContainmentError{Path: path, Resolved: resolved}
	}
	return resolved, nil
}

// Contains reports whether an already canonical path is the root or lies
// beneath it. The separator suffix keeps "/sandbox" from matching
// "/sandbox-evil".
func (w *Workspace) Contains(canonical string) bool {
	return canonical == w.Root || strings.HasPrefix(canonical, w.Root+string(filepath.Separator))
}

// Rel returns the root-relative, slash-separated form of a resolved path.
func (w *Workspace) Rel(resolved string) string {
	rel, err := filepath.Rel(w.Root, resolved)
	if err != nil {
		return resolved
	}
	return filepath.ToSlash(rel)
}

const maxSymlinkHops = 40

// canonicalize resolves symlinks in the longest existing prefix of path.
// Dangling symlinks are followed by hand: writing through one would
// otherwise create a file wherever it points.
func canonicalize(path string) (string, error) {
	var missing []string
	cur := path
	hops := 0
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolving %s: %w", cur, err)
		}
		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			hops++
			if hops > maxSymlinkHops {
				return "", fmt.Errorf("resolving %s: too many levels of symbolic links", path)
			}
			target, err := os.Readlink(cur)
			if err != nil {
				return "", fmt.Errorf("reading link %s: %w", cur, err)
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = filepath.Clean(target)
			continue
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("resolving %s: %w", path, err)
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// expandPath expands ~ to the user home directory and returns an absolute path.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
