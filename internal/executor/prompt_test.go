package executor

import (
	"strings"
	"testing"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/prompts"
)

func TestBuildPrompt(t *testing.T) {
	run := &domain.TaskRun{RunID: "abc", TaskPath: "tasks/t.md", Role: "documenter"}
	item := &domain.TaskItem{
		ID:          "2",
		Title:       "Document the API",
		Status:      domain.StatusInProgress,
		Files:       []string{"docs/api.md"},
		Description: "Describe every endpoint.",
		Attempts:    2,
	}

	system, user, err := BuildPrompt(prompts.NewLoader(), run, item)
	if err != nil {
		t.Fatalf("BuildPrompt() error = %v", err)
	}
	if system == "" {
		t.Error("system prompt is empty")
	}

	for _, want := range []string{
		"YOU ARE EXECUTING EXACTLY ONE TASK",
		"Id: 2",
		"Title: Document the API",
		"- docs/api.md",
		"RUN ID: abc",
		"TASK FILE PATH: tasks/t.md",
		"ATTEMPT: 2",
	} {
		if !strings.Contains(user, want) {
			t.Errorf("user message missing %q:\n%s", want, user)
		}
	}
}

func TestBuildCompletionLog(t *testing.T) {
	tests := []struct {
		name   string
		item   domain.TaskItem
		output string
		want   string
	}{
		{
			name:   "with changes",
			item:   domain.TaskItem{ID: "1", Title: "Fix", ChangedFiles: []string{"a.ts", "b.ts"}},
			output: "  summary \n",
			want:   "1 - Fix\nChanged: a.ts, b.ts\n\nsummary",
		},
		{
			name: "nothing",
			item: domain.TaskItem{ID: "1", Title: "Fix"},
			want: "1 - Fix\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildCompletionLog(&tt.item, tt.output); got != tt.want {
				t.Errorf("BuildCompletionLog() = %q, want %q", got, tt.want)
			}
		})
	}
}
