package policy

import (
	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// HeavyDirs are never writable regardless of role
var HeavyDirs = []string{
	"**/node_modules/**",
	"**/dist/**",
	"**/build/**",
	"**/.next/**",
	"**/coverage/**",
	"**/.git/**",
	"**/migrations/**",
}

// planModeDenied lists tools removed from every role in plan mode
var planModeDenied = map[string]bool{
	"apply_patch": true,
	"write_file":  true,
	"run_tests":   true,
	"run_build":   true,
	"run_lint":    true,
}

// Build derives the policy for one request from a role profile
func Build(projectRoot string, role config.RoleConfig, mode domain.Mode) Config {
	cfg := Config{
		ProjectRoot:          projectRoot,
		AllowedPaths:         append([]string(nil), role.AllowedPaths...),
		ReadOnlyPaths:        append([]string(nil), role.ReadOnlyPaths...),
		MaxFilesChanged:      role.MaxFilesChanged,
		MaxTotalChangedLines: role.MaxTotalChangedLines,
	}
	cfg.ReadOnlyPaths = append(cfg.ReadOnlyPaths, HeavyDirs...)

	for _, tool := range role.Tools {
		if mode == domain.ModePlan && planModeDenied[tool] {
			continue
		}
		cfg.AllowedTools = append(cfg.AllowedTools, tool)
	}
	if mode == domain.ModePlan {
		cfg.ReadOnlyPaths = append(cfg.ReadOnlyPaths, role.AllowedPaths...)
	}
	return cfg
}
