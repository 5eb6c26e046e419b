package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// DefaultAnthropicEndpoint is the messages API URL
const DefaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"

// DefaultAnthropicVersion is sent as the anthropic-version header
const DefaultAnthropicVersion = "2023-06-01"

// AnthropicConfig configures the messages API adapter
type AnthropicConfig struct {
	Endpoint    string
	APIKey      string
	APIVersion  string
	Model       string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
}

// Anthropic talks to the messages API
type Anthropic struct {
	cfg    AnthropicConfig
	client *http.Client
}

// NewAnthropic creates the adapter
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultAnthropicEndpoint
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAnthropicVersion
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	return &Anthropic{cfg: cfg, client: defaultClient(cfg.HTTPClient)}
}

// Name returns the provider identifier
func (p *Anthropic) Name() string { return "anthropic" }

type anBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anMessage struct {
	Role    string    `json:"role"`
	Content []anBlock `json:"content"`
}

type anTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anRequest struct {
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens"`
	System      string      `json:"system,omitempty"`
	Messages    []anMessage `json:"messages"`
	Tools       []anTool    `json:"tools,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
}

type anResponse struct {
	Model      string    `json:"model"`
	Content    []anBlock `json:"content"`
	StopReason string    `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends one messages request
func (p *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := p.translateRequest(req)
	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": p.cfg.APIVersion,
	}

	var out anResponse
	if err := postJSON(ctx, p.client, p.Name(), p.cfg.Endpoint, headers, payload, &out, decodeAnthropicError); err != nil {
		return nil, err
	}

	resp := &Response{Model: out.Model, StopReason: out.StopReason}
	if resp.Model == "" {
		resp.Model = payload.Model
	}
	var text []string
	for _, b := range out.Content {
		switch b.Type {
		case "text":
			text = append(text, b.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: arguments(b.Input)})
		}
	}
	resp.Text = strings.Join(text, "")
	resp.Usage = domain.Usage{
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		TotalTokens:  out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	return resp, nil
}

// translateRequest moves system messages into the system field and groups
// consecutive tool results into a single user turn.
func (p *Anthropic) translateRequest(req Request) anRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	out := anRequest{Model: model, MaxTokens: req.MaxTokens, System: SystemText(req.Messages)}
	if out.MaxTokens == 0 {
		out.MaxTokens = p.cfg.MaxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.cfg.Temperature
	}
	out.Temperature = &temp

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleUser:
			out.Messages = append(out.Messages, anMessage{Role: "user", Content: []anBlock{{Type: "text", Text: m.Content}}})
		case RoleAssistant:
			var blocks []anBlock
			if m.Content != "" {
				blocks = append(blocks, anBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: arguments(tc.Arguments)})
			}
			out.Messages = append(out.Messages, anMessage{Role: "assistant", Content: blocks})
		case RoleTool:
			block := anBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content, IsError: m.IsError}
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == "user" && isToolResultTurn(out.Messages[n-1]) {
				out.Messages[n-1].Content = append(out.Messages[n-1].Content, block)
				continue
			}
			out.Messages = append(out.Messages, anMessage{Role: "user", Content: []anBlock{block}})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

func isToolResultTurn(m anMessage) bool {
	return len(m.Content) > 0 && m.Content[0].Type == "tool_result"
}

func decodeAnthropicError(body []byte) (string, string) {
	var e struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return "", strings.TrimSpace(string(body))
	}
	return e.Error.Type, e.Error.Message
}
