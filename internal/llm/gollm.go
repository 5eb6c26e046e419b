package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/teilomillet/gollm"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// GollmConfig configures the gollm-backed provider
type GollmConfig struct {
	// Backend is the gollm provider name (openai, anthropic, ollama, ...)
	Backend     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Gollm generates plain text through teilomillet/gollm. It offers no tool
// calling, so every response ends the dispatch loop after one round.
type Gollm struct {
	backend string
	model   string
	llm     gollm.LLM
}

// NewGollm creates the provider
func NewGollm(cfg GollmConfig) (*Gollm, error) {
	if cfg.Backend == "" {
		cfg.Backend = "openai"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(cfg.Backend),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxTokens(cfg.MaxTokens),
		gollm.SetTemperature(cfg.Temperature),
		gollm.SetMaxRetries(0), // rate limits are retried by Retry
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}
	l, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gollm client for %s: %w", cfg.Backend, err)
	}
	return &Gollm{backend: cfg.Backend, model: cfg.Model, llm: l}, nil
}

// NewGollmFromLLM wraps an existing gollm instance
func NewGollmFromLLM(backend, model string, l gollm.LLM) *Gollm {
	return &Gollm{backend: backend, model: model, llm: l}
}

// Name returns the provider identifier
func (p *Gollm) Name() string { return "gollm" }

// Complete flattens the conversation into one prompt and generates text
func (p *Gollm) Complete(ctx context.Context, req Request) (*Response, error) {
	system, body := flattenConversation(req.Messages)

	var promptOpts []gollm.PromptOption
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(req.MaxTokens))
	}
	if req.Model != "" {
		p.llm.SetOption("model", req.Model)
	}

	text, err := p.llm.Generate(ctx, gollm.NewPrompt(body, promptOpts...))
	if err != nil {
		return nil, classifyGollmError(p.backend, err)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	// gollm does not report usage; estimate four characters per token
	in := (len(system) + len(body)) / 4
	out := len(text) / 4
	return &Response{
		Text:       text,
		Model:      model,
		StopReason: "stop",
		Usage:      domain.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}, nil
}

func flattenConversation(msgs []Message) (system, body string) {
	var parts []string
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			parts = append(parts, m.Content)
		case RoleAssistant:
			if m.Content != "" {
				parts = append(parts, "[Assistant]: "+m.Content)
			}
		case RoleTool:
			prefix := "[Tool Result]"
			if m.IsError {
				prefix = "[Tool Error]"
			}
			parts = append(parts, prefix+": "+m.Content)
		}
	}
	return SystemText(msgs), strings.Join(parts, "\n")
}

// classifyGollmError maps gollm's string errors onto the provider error types
func classifyGollmError(backend string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit") {
		return &RateLimitError{ProviderError: ProviderError{Provider: "gollm/" + backend, StatusCode: 429, Message: msg}}
	}
	return fmt.Errorf("gollm/%s: %w", backend, err)
}
