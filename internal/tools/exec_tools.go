package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/llm"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/policy"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/procexec"
)

// commandOutputChars is how much of stdout/stderr a command result keeps
const commandOutputChars = 4000

// maxReportedDiagnostics caps the diagnostics list returned by ts_check
const maxReportedDiagnostics = 50

func outlineTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "ts_get_outline",
			Description: "Return the outline of a TypeScript or JavaScript file: functions, classes, interfaces, types, enums and variables with their line ranges and export status.",
			Parameters: object(map[string]any{
				"filePath": stringProp("File path relative to the project root."),
			}, "filePath"),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				FilePath string `json:"filePath"`
			}
			if err := decode("ts_get_outline", raw, &args); err != nil {
				return nil, err
			}
			if d.deps.Analyzer == nil {
				return nil, errors.New("no analyzer configured")
			}
			abs, rel, err := d.resolve(args.FilePath, policy.ReadFile)
			if err != nil {
				return nil, err
			}
			symbols, err := d.deps.Analyzer.Outline(ctx, abs)
			if err != nil {
				return nil, err
			}
			for i := range symbols {
				symbols[i].File = rel
			}
			return map[string]any{"filePath": rel, "symbols": symbols}, nil
		},
	}
}

func tsCheckTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "ts_check",
			Description: "Type-check the whole project with its tsconfig and return the diagnostics.",
			Parameters:  object(map[string]any{}),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			if d.deps.Analyzer == nil {
				return nil, errors.New("no analyzer configured")
			}
			diags, err := d.deps.Analyzer.Diagnostics(ctx, d.root)
			if err != nil {
				return nil, err
			}
			shown := diags
			if len(shown) > maxReportedDiagnostics {
				shown = shown[:maxReportedDiagnostics]
			}
			if shown == nil {
				shown = []domain.Diagnostic{}
			}
			return map[string]any{
				"ok":          len(diags) == 0,
				"errorCount":  len(diags),
				"diagnostics": shown,
			}, nil
		},
	}
}

// CommandSummary is the result of run_tests, run_build and run_lint
type CommandSummary struct {
	Command  string `json:"command"`
	OK       bool   `json:"ok"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration string `json:"duration"`
}

func commandTool(name, description string, kind policy.ActionKind) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  object(map[string]any{}),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			if err := d.check(policy.Action{Kind: kind}); err != nil {
				return nil, err
			}
			argv := d.commandFor(kind)
			if len(argv) == 0 {
				return nil, fmt.Errorf("no command configured for %s", name)
			}
			res, err := d.deps.Runner.Run(ctx, procexec.Command{
				Name:    argv[0],
				Args:    argv[1:],
				Dir:     d.root,
				Timeout: d.deps.Timeout,
			})
			if err != nil {
				return nil, err
			}
			return CommandSummary{
				Command:  res.Command,
				OK:       res.ExitCode == 0,
				ExitCode: res.ExitCode,
				Stdout:   tail(res.Stdout, commandOutputChars),
				Stderr:   tail(res.Stderr, commandOutputChars),
				Duration: res.Duration.Round(time.Millisecond).String(),
			}, nil
		},
	}
}

func (d *Dispatcher) commandFor(kind policy.ActionKind) []string {
	switch kind {
	case policy.RunTests:
		return d.deps.Commands.Test
	case policy.RunBuild:
		return d.deps.Commands.Build
	case policy.RunLint:
		return d.deps.Commands.Lint
	}
	return nil
}
