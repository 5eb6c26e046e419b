// Package policy decides whether an agent may perform a filesystem or process action.
//
// Evaluate is a pure function: it never touches the filesystem and reports every
// violation it finds so callers can feed a complete diagnostic back to the model.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ActionKind identifies the kind of action being checked
type ActionKind string

const (
	ReadFile   ActionKind = "readFile"
	WriteFile  ActionKind = "writeFile"
	ApplyPatch ActionKind = "applyPatch"
	RunTests   ActionKind = "runTests"
	RunBuild   ActionKind = "runBuild"
	RunLint    ActionKind = "runLint"
)

// Mutating returns true for actions that change files
func (k ActionKind) Mutating() bool {
	return k == WriteFile || k == ApplyPatch
}

// Action is a requested operation on a set of absolute target paths
type Action struct {
	Kind                  ActionKind
	Targets               []string
	EstimatedChangedLines *int
}

// Decision is the result of evaluating an action
type Decision struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// Config is the capability profile for one request
type Config struct {
	ProjectRoot          string
	AllowedPaths         []string
	ReadOnlyPaths        []string
	MaxFilesChanged      int
	MaxTotalChangedLines int
	AllowedTools         []string
}

// Evaluate checks action against cfg and returns all violations found
func Evaluate(action Action, cfg Config) Decision {
	var violations []string

	for _, target := range action.Targets {
		rel := cfg.relative(target)
		if !cfg.under(cfg.AllowedPaths, target) {
			violations = append(violations, fmt.Sprintf("path not allowed: %s", rel))
			continue
		}
		if action.Kind.Mutating() && cfg.under(cfg.ReadOnlyPaths, target) {
			violations = append(violations, fmt.Sprintf("read-only path: %s", rel))
		}
	}

	if action.Kind == ApplyPatch {
		if action.EstimatedChangedLines != nil && cfg.MaxTotalChangedLines > 0 &&
			*action.EstimatedChangedLines > cfg.MaxTotalChangedLines {
			violations = append(violations, fmt.Sprintf("too many changed lines: %d > %d",
				*action.EstimatedChangedLines, cfg.MaxTotalChangedLines))
		}
		if cfg.MaxFilesChanged > 0 && len(action.Targets) > cfg.MaxFilesChanged {
			violations = append(violations, fmt.Sprintf("too many files: %d > %d",
				len(action.Targets), cfg.MaxFilesChanged))
		}
	}

	return Decision{Allowed: len(violations) == 0, Violations: violations}
}

// AllowsTool returns true if name is in the allowed tool set
func (c Config) AllowsTool(name string) bool {
	for _, t := range c.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// relative returns the slash-separated project-relative form of abs, or abs itself when outside the root
func (c Config) relative(abs string) string {
	rel, err := filepath.Rel(c.ProjectRoot, filepath.Clean(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs
	}
	return filepath.ToSlash(rel)
}

// under reports whether abs is covered by any entry. Entries containing glob
// metacharacters are matched against the relative path, the rest are directory
// roots resolved against the project root.
func (c Config) under(entries []string, abs string) bool {
	abs = filepath.Clean(abs)
	rel := c.relative(abs)
	outside := rel == abs && filepath.IsAbs(abs)

	for _, entry := range entries {
		if isGlob(entry) {
			if outside {
				continue
			}
			if ok, _ := doublestar.Match(entry, rel); ok {
				return true
			}
			continue
		}
		root := filepath.Clean(filepath.Join(c.ProjectRoot, filepath.FromSlash(entry)))
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
