package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// OpenAIConfig configures the chat-completions adapter
type OpenAIConfig struct {
	// Endpoint is the full chat completions URL (OpenAI or Azure deployment)
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
}

// OpenAI talks to an OpenAI-compatible chat completions endpoint
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI creates the adapter
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	return &OpenAI{cfg: cfg, client: defaultClient(cfg.HTTPClient)}
}

// Name returns the provider identifier
func (p *OpenAI) Name() string { return "openai" }

type oaFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaToolCall struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    *string      `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model,omitempty"`
	Messages    []oaMessage `json:"messages"`
	Tools       []oaTool    `json:"tools,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
}

type oaResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends one chat completion request
func (p *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := p.translateRequest(req)

	headers := map[string]string{}
	if p.isAzure() {
		headers["api-key"] = p.cfg.APIKey
	} else if p.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.APIKey
	}

	var out oaResponse
	if err := postJSON(ctx, p.client, p.Name(), p.cfg.Endpoint, headers, payload, &out, decodeOpenAIError); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	choice := out.Choices[0]
	resp := &Response{Model: out.Model, StopReason: choice.FinishReason}
	if resp.Model == "" {
		resp.Model = payload.Model
	}
	if choice.Message.Content != nil {
		resp.Text = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if out.Usage != nil {
		total := out.Usage.TotalTokens
		if total == 0 {
			total = out.Usage.PromptTokens + out.Usage.CompletionTokens
		}
		resp.Usage = domain.Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
			TotalTokens:  total,
		}
	}
	return resp, nil
}

func (p *OpenAI) isAzure() bool {
	return strings.Contains(p.cfg.Endpoint, ".azure.com") || strings.Contains(p.cfg.Endpoint, "/openai/deployments/")
}

func (p *OpenAI) translateRequest(req Request) oaRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	out := oaRequest{Model: model, MaxTokens: req.MaxTokens}
	if out.MaxTokens == 0 {
		out.MaxTokens = p.cfg.MaxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.cfg.Temperature
	}
	out.Temperature = &temp

	for _, m := range req.Messages {
		om := oaMessage{Role: string(m.Role)}
		switch m.Role {
		case RoleAssistant:
			if m.Content != "" {
				c := m.Content
				om.Content = &c
			}
			for _, tc := range m.ToolCalls {
				om.ToolCalls = append(om.ToolCalls, oaToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: oaFunction{Name: tc.Name, Arguments: string(arguments(tc.Arguments))},
				})
			}
		case RoleTool:
			c := m.Content
			om.Content = &c
			om.ToolCallID = m.ToolCallID
		default:
			c := m.Content
			om.Content = &c
		}
		out.Messages = append(out.Messages, om)
	}

	for _, t := range req.Tools {
		var ot oaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ot)
	}
	return out
}

func decodeOpenAIError(body []byte) (string, string) {
	var e struct {
		Error struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return "", strings.TrimSpace(string(body))
	}
	code := ""
	switch c := e.Error.Code.(type) {
	case string:
		code = c
	}
	if code == "" {
		code = e.Error.Type
	}
	return code, e.Error.Message
}
