// Package llm is the provider-neutral chat-completion layer used by the agent loop.
//
// Messages and tool calls are kept in one internal shape ({id, name, arguments});
// each Provider translates to and from its own wire format.
package llm

import (
	"context"
	"encoding/json"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// Role is the author of a conversation message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to run one tool
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of the conversation buffer
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
}

// ToolDefinition is the schema of a tool offered to the model
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one completion call
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// Response is the model's reply for one round
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      domain.Usage
	Model      string
	StopReason string
}

// Provider sends completion requests to one model endpoint
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// SystemText concatenates the content of all system messages
func SystemText(msgs []Message) string {
	var out string
	for _, m := range msgs {
		if m.Role != RoleSystem || m.Content == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}

// arguments returns a JSON object for a possibly empty argument payload
func arguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	return raw
}
