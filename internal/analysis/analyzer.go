// Package analysis provides static analysis of TypeScript projects: type-check
// diagnostics and the exported symbol surface of source files.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/procexec"
)

// Analyzer is the static analysis collaborator of the tools and the executor
type Analyzer interface {
	// Diagnostics type-checks the project; a project without tsconfig.json has none
	Diagnostics(ctx context.Context, root string) ([]domain.Diagnostic, error)
	// Outline lists the declarations of one file
	Outline(ctx context.Context, abs string) ([]Symbol, error)
	// ExportedOutline lists exported declarations across project-relative files
	ExportedOutline(ctx context.Context, root string, files []string) ([]Symbol, error)
}

// DefaultTypeCheck is the command used when none is configured
var DefaultTypeCheck = []string{"npx", "tsc", "--noEmit", "--pretty", "false"}

// TreeSitter parses sources with tree-sitter and type-checks by running tsc
type TreeSitter struct {
	runner    *procexec.Runner
	typeCheck []string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewTreeSitter creates an analyzer. typeCheck is the compiler command line.
func NewTreeSitter(runner *procexec.Runner, typeCheck []string, timeout time.Duration, logger *zap.Logger) *TreeSitter {
	if len(typeCheck) == 0 {
		typeCheck = DefaultTypeCheck
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TreeSitter{runner: runner, typeCheck: typeCheck, timeout: timeout, logger: logger}
}

var (
	diagWithFile = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): error TS(\d+): (.*)$`)
	diagGlobal   = regexp.MustCompile(`^error TS(\d+): (.*)$`)
)

// Diagnostics runs the type-check command in root and parses its error lines
func (a *TreeSitter) Diagnostics(ctx context.Context, root string) ([]domain.Diagnostic, error) {
	if _, err := os.Stat(filepath.Join(root, "tsconfig.json")); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	res, err := a.runner.Run(ctx, procexec.Command{
		Name:    a.typeCheck[0],
		Args:    a.typeCheck[1:],
		Dir:     root,
		Timeout: a.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("running type check: %w", err)
	}

	diags := ParseDiagnostics(res.Stdout + "\n" + res.Stderr)
	if res.ExitCode != 0 && len(diags) == 0 {
		return nil, fmt.Errorf("type check exited with code %d: %s", res.ExitCode,
			domain.Truncate(strings.TrimSpace(res.Stdout+res.Stderr), 500))
	}
	a.logger.Debug("type check finished", zap.String("root", root), zap.Int("errors", len(diags)))
	return diags, nil
}

// ParseDiagnostics extracts errors from `tsc --pretty false` output. Indented
// continuation lines are appended to the preceding message.
func ParseDiagnostics(output string) []domain.Diagnostic {
	var diags []domain.Diagnostic
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := diagWithFile.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			code, _ := strconv.Atoi(m[4])
			diags = append(diags, domain.Diagnostic{
				File:    filepath.ToSlash(m[1]),
				Line:    lineNo,
				Column:  col,
				Code:    code,
				Message: m[5],
			})
			continue
		}
		if m := diagGlobal.FindStringSubmatch(line); m != nil {
			code, _ := strconv.Atoi(m[1])
			diags = append(diags, domain.Diagnostic{Code: code, Message: m[2]})
			continue
		}
		if len(diags) > 0 && strings.HasPrefix(line, "  ") && strings.TrimSpace(line) != "" {
			last := &diags[len(diags)-1]
			last.Message += "\n" + strings.TrimSpace(line)
		}
	}
	return diags
}
