package domain

import "time"

// AgentRunStatus is the outcome of one dispatch-loop invocation
type AgentRunStatus string

const (
	AgentRunSucceeded AgentRunStatus = "succeeded"
	AgentRunExhausted AgentRunStatus = "exhausted"
	AgentRunFailed    AgentRunStatus = "failed"
)

// AgentRun records one dispatch-loop invocation for auditing
type AgentRun struct {
	ID         string          `json:"id"`
	RunID      string          `json:"runId,omitempty"`
	TaskID     string          `json:"taskId,omitempty"`
	Role       string          `json:"role,omitempty"`
	Mode       Mode            `json:"mode"`
	Model      string          `json:"model"`
	Status     AgentRunStatus  `json:"status"`
	Rounds     int             `json:"rounds"`
	Usage      Usage           `json:"usage"`
	Cost       Cost            `json:"cost"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	ToolCalls  []AgentToolCall `json:"toolCalls,omitempty"`
}

// AgentToolCall is one tool call made during an agent run
type AgentToolCall struct {
	Seq     int    `json:"seq"`
	Name    string `json:"name"`
	Args    string `json:"args,omitempty"`
	OK      bool   `json:"ok"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Duration returns how long the agent run took
func (a *AgentRun) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}
