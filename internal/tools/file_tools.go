package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/fsops"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/llm"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/policy"
)

func readFileTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "read_file",
			Description: "Read a file by path relative to the project root, optionally limited to a line range. Returns the content and the sha256 hash needed by apply_patch.",
			Parameters: object(map[string]any{
				"path":     stringProp("File path relative to the project root."),
				"fromLine": intProp("First line to return (1-based).", 1),
				"toLine":   intProp("Last line to return (inclusive).", 1),
				"maxBytes": intProp("Maximum bytes of content to return.", 1),
			}, "path"),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				Path     string `json:"path"`
				FromLine int    `json:"fromLine"`
				ToLine   int    `json:"toLine"`
				MaxBytes int    `json:"maxBytes"`
			}
			if err := decode("read_file", raw, &args); err != nil {
				return nil, err
			}
			abs, rel, err := d.resolve(args.Path, policy.ReadFile)
			if err != nil {
				return nil, err
			}
			res, err := fsops.ReadRange(abs, fsops.RangeOptions{
				FromLine: args.FromLine,
				ToLine:   args.ToLine,
				MaxBytes: args.MaxBytes,
			})
			if err != nil {
				return nil, err
			}
			res.Path = rel
			return res, nil
		},
	}
}

func writeFileTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "write_file",
			Description: "Create or overwrite a file relative to the project root with the given UTF-8 content.",
			Parameters: object(map[string]any{
				"filePath": stringProp("File path relative to the project root (for example 'docs/README.md')."),
				"content":  stringProp("Full file content."),
			}, "filePath", "content"),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				FilePath string `json:"filePath"`
				Content  string `json:"content"`
			}
			if err := decode("write_file", raw, &args); err != nil {
				return nil, err
			}
			abs, rel, err := d.resolve(args.FilePath, policy.WriteFile)
			if err != nil {
				return nil, err
			}

			before, err := os.ReadFile(abs)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			if err := fsops.Write(abs, []byte(args.Content)); err != nil {
				return nil, err
			}
			added, removed := fsops.LineStats(string(before), args.Content)
			d.recordChange(rel, added+removed)

			return map[string]any{
				"path":         rel,
				"hash":         fsops.HashBytes([]byte(args.Content)),
				"linesAdded":   added,
				"linesRemoved": removed,
			}, nil
		},
	}
}

func applyPatchTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "apply_patch",
			Description: "Apply a unified diff to one file. originalHash must be the hash returned by read_file (or 'new-file' when creating a file); the patch is rejected if the file changed since.",
			Parameters: object(map[string]any{
				"filePath":              stringProp("File path relative to the project root."),
				"originalHash":          stringProp("sha256 of the content the patch was written against, or 'new-file'."),
				"patch":                 stringProp("Unified diff for this file."),
				"estimatedChangedLines": intProp("Your estimate of changed lines.", 0),
				"dryRun":                boolProp("Return the patched content without writing it."),
			}, "filePath", "originalHash", "patch"),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				FilePath              string `json:"filePath"`
				OriginalHash          string `json:"originalHash"`
				Patch                 string `json:"patch"`
				EstimatedChangedLines *int   `json:"estimatedChangedLines"`
				DryRun                bool   `json:"dryRun"`
			}
			if err := decode("apply_patch", raw, &args); err != nil {
				return nil, err
			}
			abs, rel, err := d.resolve(args.FilePath, policy.ApplyPatch)
			if err != nil {
				return nil, err
			}

			lines := fsops.EstimateChangedLines(args.Patch)
			if args.EstimatedChangedLines != nil && *args.EstimatedChangedLines > lines {
				lines = *args.EstimatedChangedLines
			}
			targets, total := d.patchBudget(abs, rel, lines)
			if err := d.check(policy.Action{Kind: policy.ApplyPatch, Targets: targets, EstimatedChangedLines: &total}); err != nil {
				return nil, err
			}

			res, err := fsops.ApplyPatch(abs, fsops.PatchRequest{
				OriginalHash: args.OriginalHash,
				Patch:        args.Patch,
				DryRun:       args.DryRun,
			})
			if err != nil {
				return nil, err
			}
			res.FilePath = rel
			if res.Changed && !args.DryRun {
				d.recordChange(rel, res.LinesAdded+res.LinesRemoved)
			}
			return res, nil
		},
	}
}

func listFilesTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "list_files",
			Description: "List project files matching glob patterns. Dependency and build directories are always ignored; at most 300 paths are returned.",
			Parameters: object(map[string]any{
				"patterns": stringsProp("Glob patterns such as 'src/**/*.ts'. Empty lists everything."),
				"ignore":   stringsProp("Additional glob patterns to ignore."),
			}),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				Patterns []string `json:"patterns"`
				Ignore   []string `json:"ignore"`
			}
			if err := decode("list_files", raw, &args); err != nil {
				return nil, err
			}
			return fsops.List(d.root, args.Patterns, args.Ignore)
		},
	}
}

func findFilesByNameTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "find_files_by_name",
			Description: "Find files by full or partial base name. Exact name matches come first, then partial matches.",
			Parameters: object(map[string]any{
				"query":      stringProp("File name or part of it."),
				"patterns":   stringsProp("Glob patterns restricting the search."),
				"ignore":     stringsProp("Additional glob patterns to ignore."),
				"maxResults": intProp("Maximum number of results (default 50).", 1),
			}, "query"),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				Query      string   `json:"query"`
				Patterns   []string `json:"patterns"`
				Ignore     []string `json:"ignore"`
				MaxResults int      `json:"maxResults"`
			}
			if err := decode("find_files_by_name", raw, &args); err != nil {
				return nil, err
			}
			return fsops.FindByName(d.root, args.Query, fsops.FindOptions{
				Patterns:   args.Patterns,
				Ignore:     args.Ignore,
				MaxResults: args.MaxResults,
			})
		},
	}
}

func searchInFilesTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "search_in_files",
			Description: "Search text or a regular expression (case-insensitive) in files matching glob patterns. Returns up to 5 hits per file with a short excerpt.",
			Parameters: object(map[string]any{
				"patterns": stringsProp("Glob patterns of files to search."),
				"query":    stringProp("Text or regular expression."),
				"isRegex":  boolProp("Treat query as a regular expression."),
				"ignore":   stringsProp("Additional glob patterns to ignore."),
			}, "patterns", "query"),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				Patterns []string `json:"patterns"`
				Query    string   `json:"query"`
				IsRegex  bool     `json:"isRegex"`
				Ignore   []string `json:"ignore"`
			}
			if err := decode("search_in_files", raw, &args); err != nil {
				return nil, err
			}
			matches, err := fsops.Search(d.root, fsops.SearchOptions{
				Patterns: args.Patterns,
				Query:    args.Query,
				IsRegex:  args.IsRegex,
				Ignore:   args.Ignore,
			})
			if err != nil {
				return nil, err
			}
			out := make([]fsops.SearchMatch, 0, len(matches))
			for _, m := range matches {
				if d.readable(m.File) {
					out = append(out, m)
				}
			}
			return out, nil
		},
	}
}

func projectInfoTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "get_project_info",
			Description: "Summarise the project: package.json and tsconfig basics plus likely entry points.",
			Parameters: object(map[string]any{
				"includePackageJson": boolProp("Include the package.json summary (default true)."),
				"includeTsconfig":    boolProp("Include the tsconfig summary (default true)."),
				"scanEntryPoints":    boolProp("Scan for entry point candidates (default true)."),
			}),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				IncludePackageJSON *bool `json:"includePackageJson"`
				IncludeTSConfig    *bool `json:"includeTsconfig"`
				ScanEntryPoints    *bool `json:"scanEntryPoints"`
			}
			if err := decode("get_project_info", raw, &args); err != nil {
				return nil, err
			}
			opts := fsops.AllInfo
			if args.IncludePackageJSON != nil {
				opts.PackageJSON = *args.IncludePackageJSON
			}
			if args.IncludeTSConfig != nil {
				opts.TSConfig = *args.IncludeTSConfig
			}
			if args.ScanEntryPoints != nil {
				opts.EntryPoints = *args.ScanEntryPoints
			}
			return fsops.ProjectInfo(d.root, opts), nil
		},
	}
}

func readJSONCompactTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "read_json_compact",
			Description: "Read a JSON file and return a compact version, optionally only some top-level keys, with long strings truncated.",
			Parameters: object(map[string]any{
				"path":            stringProp("JSON file path relative to the project root."),
				"pickKeys":        stringsProp("Top-level keys to keep."),
				"maxStringLength": intProp("Strings longer than this are truncated (default 200).", 10),
			}, "path"),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				Path            string   `json:"path"`
				PickKeys        []string `json:"pickKeys"`
				MaxStringLength int      `json:"maxStringLength"`
			}
			if err := decode("read_json_compact", raw, &args); err != nil {
				return nil, err
			}
			abs, _, err := d.resolve(args.Path, policy.ReadFile)
			if err != nil {
				return nil, err
			}
			return fsops.ReadJSONCompact(abs, args.PickKeys, args.MaxStringLength)
		},
	}
}

func runLogTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "get_run_log",
			Description: "Return the end of a log file, for example the last errors of a failed command.",
			Parameters: object(map[string]any{
				"path":     stringProp("Log file path relative to the project root."),
				"maxChars": intProp("Characters to return from the end (default 4000).", 100),
			}, "path"),
		},
		Handler: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args struct {
				Path     string `json:"path"`
				MaxChars int    `json:"maxChars"`
			}
			if err := decode("get_run_log", raw, &args); err != nil {
				return nil, err
			}
			abs, rel, err := d.resolve(args.Path, policy.ReadFile)
			if err != nil {
				return nil, err
			}
			return fsops.RunLogTail(abs, rel, args.MaxChars)
		},
	}
}
