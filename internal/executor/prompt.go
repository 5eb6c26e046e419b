package executor

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/parser"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/prompts"
)

// BuildPrompt constructs the system prompt and the user message for one
// task item. The task block is rendered from the stored item so that the
// model sees exactly what the run record holds.
func BuildPrompt(loader *prompts.Loader, run *domain.TaskRun, item *domain.TaskItem) (string, string, error) {
	system, err := loader.RoleSystemPrompt(run.Role)
	if err != nil {
		return "", "", fmt.Errorf("loading %s prompt: %w", run.Role, err)
	}
	user, err := loader.BuildExecutePrompt(prompts.ExecuteData{
		TaskBlock:       parser.RenderTaskBlock(*item),
		TaskPath:        run.TaskPath,
		RunID:           run.RunID,
		Attempt:         item.Attempts,
		AllowAPIChanges: item.AllowsAPIChanges(),
	})
	if err != nil {
		return "", "", fmt.Errorf("building execute prompt: %w", err)
	}
	return system, user, nil
}

// BuildCompletionLog creates the log appended to the plan document when an
// item is done
func BuildCompletionLog(item *domain.TaskItem, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s\n", item.ID, item.Title)
	if len(item.ChangedFiles) > 0 {
		fmt.Fprintf(&b, "Changed: %s\n", strings.Join(item.ChangedFiles, ", "))
	}
	if out := strings.TrimSpace(output); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}
