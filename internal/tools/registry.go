package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/llm"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/policy"
)

// Handler runs one tool with decoded access to the dispatcher
type Handler func(ctx context.Context, d *Dispatcher, args json.RawMessage) (any, error)

// Tool pairs a schema with its handler
type Tool struct {
	Definition llm.ToolDefinition
	Handler    Handler
}

// Registry maps tool names to tools
type Registry map[string]Tool

// DefaultRegistry returns every built-in tool
func DefaultRegistry() Registry {
	reg := Registry{}
	for _, t := range []Tool{
		readFileTool(),
		writeFileTool(),
		applyPatchTool(),
		listFilesTool(),
		findFilesByNameTool(),
		searchInFilesTool(),
		projectInfoTool(),
		readJSONCompactTool(),
		runLogTool(),
		outlineTool(),
		tsCheckTool(),
		commandTool("run_tests", "Run the project's test command and return a short summary.", policy.RunTests),
		commandTool("run_build", "Run the project's build command and return a short summary.", policy.RunBuild),
		commandTool("run_lint", "Run the project's lint command and return a short summary.", policy.RunLint),
	} {
		reg[t.Definition.Name] = t
	}
	return reg
}

// Definitions returns the schemas of registered tools the policy allows, sorted by name
func (r Registry) Definitions(cfg policy.Config) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for name, t := range r {
		if cfg.AllowsTool(name) {
			defs = append(defs, t.Definition)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names, sorted
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decode unmarshals tool arguments into v
func decode(name string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

func object(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string, minimum int) map[string]any {
	return map[string]any{"type": "integer", "minimum": minimum, "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func stringsProp(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}
