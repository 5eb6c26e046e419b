// Package vcs wraps the git commands the executor uses to detect and undo working-tree changes.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Change is one entry of `git status --porcelain`
type Change struct {
	// Path is slash-separated and relative to the repository root
	Path string
	// Code is the two-letter XY status
	Code string
}

// Untracked returns true for files git does not know about
func (c Change) Untracked() bool {
	return c.Code == "??"
}

// Git runs git commands in a working tree
type Git struct {
	dir string
}

// New creates a Git for the working tree at dir
func New(dir string) *Git {
	return &Git{dir: dir}
}

// Dir returns the working tree directory
func (g *Git) Dir() string {
	return g.dir
}

// IsRepository reports whether dir is the top level of a git working tree
func (g *Git) IsRepository(ctx context.Context) bool {
	out, err := g.output(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return false
	}
	top := strings.TrimSpace(string(out))
	want, err1 := filepath.EvalSymlinks(g.dir)
	got, err2 := filepath.EvalSymlinks(top)
	if err1 != nil || err2 != nil {
		return false
	}
	return filepath.Clean(want) == filepath.Clean(got)
}

// Head returns the current commit hash
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Status lists modified, deleted and untracked files, one entry per file
func (g *Git) Status(ctx context.Context) ([]Change, error) {
	out, err := g.output(ctx, "status", "--porcelain", "-uall", "-z")
	if err != nil {
		return nil, err
	}
	return parsePorcelainZ(out), nil
}

// Revert restores tracked paths to their index state and deletes untracked ones
func (g *Git) Revert(ctx context.Context, changes []Change) error {
	var tracked, untracked []string
	for _, c := range changes {
		if c.Untracked() {
			untracked = append(untracked, c.Path)
		} else {
			tracked = append(tracked, c.Path)
		}
	}

	if len(tracked) > 0 {
		args := append([]string{"checkout", "--"}, tracked...)
		if out, err := g.combined(ctx, args...); err != nil {
			return fmt.Errorf("git checkout: %s: %w", bytes.TrimSpace(out), err)
		}
	}
	return g.DeleteUntracked(untracked)
}

// DeleteUntracked removes files created in the working tree
func (g *Git) DeleteUntracked(paths []string) error {
	for _, p := range paths {
		abs := filepath.Join(g.dir, filepath.FromSlash(p))
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

func (g *Git) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return out, nil
}

func (g *Git) combined(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	return cmd.CombinedOutput()
}

// parsePorcelainZ parses `git status --porcelain -z` output. Rename and copy
// entries carry the original path as an extra field, which is reported as a
// second change so that both sides can be restored.
func parsePorcelainZ(out []byte) []Change {
	var changes []Change
	fields := strings.Split(string(out), "\x00")
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}
		code, path := entry[:2], entry[3:]
		changes = append(changes, Change{Path: path, Code: code})
		if code[0] == 'R' || code[0] == 'C' {
			if i+1 < len(fields) && fields[i+1] != "" {
				changes = append(changes, Change{Path: fields[i+1], Code: " D"})
			}
			i++
		}
	}
	return changes
}
