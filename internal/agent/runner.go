// Package agent runs the bounded tool-calling loop between a model provider
// and the tool dispatch table.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/llm"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/policy"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/tools"
)

// Default round budgets
const (
	DefaultPlanRounds    = 20
	DefaultExecuteRounds = 8
)

// Input describes one loop invocation
type Input struct {
	SystemPrompt string
	UserMessage  string
	Policy       policy.Config
	Mode         domain.Mode
	MaxRounds    int
	Model        string

	// Optional context for the agent run record
	RunID  string
	TaskID string
	Role   string
}

// Result is the outcome of a successful loop
type Result struct {
	ID           string            `json:"id"`
	Output       string            `json:"output"`
	RoundsUsed   int               `json:"roundsUsed"`
	ToolUsage    []tools.ToolUsage `json:"toolUsage"`
	Usage        domain.Usage      `json:"usage"`
	Cost         domain.Cost       `json:"cost"`
	Model        string            `json:"model"`
	ChangedFiles []string          `json:"changedFiles,omitempty"`
}

// ExhaustedError is returned when the round budget ran out without a final answer
type ExhaustedError struct {
	MaxRounds int
	Usage     domain.Usage
	Cost      domain.Cost
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("tool-calling loop exhausted after %d rounds (tokens: %d, cost: $%.4f)",
		e.MaxRounds, e.Usage.TotalTokens, e.Cost.USD)
}

// Recorder persists agent run records
type Recorder interface {
	RecordAgentRun(ctx context.Context, run *domain.AgentRun) error
}

// Runner drives the dispatch loop
type Runner struct {
	provider    llm.Provider
	retry       llm.RetryPolicy
	prices      llm.PriceTable
	deps        tools.Deps
	maxTokens   int
	temperature float64
	recorder    Recorder
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Runner
type Option func(*Runner)

// WithRetryPolicy overrides the rate-limit retry policy
func WithRetryPolicy(p llm.RetryPolicy) Option {
	return func(r *Runner) { r.retry = p }
}

// WithPriceTable sets the per-model prices
func WithPriceTable(t llm.PriceTable) Option {
	return func(r *Runner) { r.prices = t }
}

// WithSampling sets max tokens and temperature for every request
func WithSampling(maxTokens int, temperature float64) Option {
	return func(r *Runner) {
		r.maxTokens = maxTokens
		r.temperature = temperature
	}
}

// WithRecorder records every invocation
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a loop runner
func NewRunner(provider llm.Provider, deps tools.Deps, opts ...Option) *Runner {
	r := &Runner{
		provider: provider,
		retry:    llm.DefaultRetryPolicy(),
		deps:     deps,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	if r.deps.Logger == nil {
		r.deps.Logger = r.logger
	}
	return r
}

// Run executes the loop until the model answers without tool calls or the
// round budget is spent. Rate-limit retries do not count as rounds.
func (r *Runner) Run(ctx context.Context, in Input) (*Result, error) {
	maxRounds := in.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultExecuteRounds
		if in.Mode == domain.ModePlan {
			maxRounds = DefaultPlanRounds
		}
	}

	dispatcher, err := tools.NewDispatcher(in.Policy, r.deps)
	if err != nil {
		return nil, err
	}

	record := &domain.AgentRun{
		ID:        uuid.New().String(),
		RunID:     in.RunID,
		TaskID:    in.TaskID,
		Role:      in.Role,
		Mode:      in.Mode,
		Model:     in.Model,
		StartedAt: r.now().UTC(),
	}
	log := r.logger.With(zap.String("agent_run", record.ID), zap.String("mode", string(in.Mode)))

	result := &Result{ID: record.ID, Model: in.Model}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: in.SystemPrompt},
		{Role: llm.RoleUser, Content: in.UserMessage},
	}
	defs := dispatcher.Definitions()

	finish := func(status domain.AgentRunStatus, runErr error) {
		result.Cost = r.prices.Cost(result.Model, result.Usage)
		result.ChangedFiles = dispatcher.ChangedFiles()
		record.Status = status
		record.Rounds = result.RoundsUsed
		record.Usage = result.Usage
		record.Cost = result.Cost
		record.Model = result.Model
		record.Output = result.Output
		record.FinishedAt = r.now().UTC()
		if runErr != nil {
			record.Error = runErr.Error()
		}
		for i, u := range result.ToolUsage {
			record.ToolCalls = append(record.ToolCalls, domain.AgentToolCall{
				Seq:     i + 1,
				Name:    u.Name,
				Args:    string(u.Args),
				OK:      u.OK,
				Summary: u.Summary,
				Error:   u.Error,
			})
		}
		if r.recorder != nil {
			if err := r.recorder.RecordAgentRun(ctx, record); err != nil {
				log.Warn("recording agent run failed", zap.Error(err))
			}
		}
		log.Info("agent run finished",
			zap.String("status", string(status)),
			zap.Int("rounds", result.RoundsUsed),
			zap.Int("tool_calls", len(result.ToolUsage)),
			zap.Int("total_tokens", result.Usage.TotalTokens))
	}

	for round := 1; round <= maxRounds; round++ {
		req := llm.Request{
			Model:       in.Model,
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   r.maxTokens,
			Temperature: r.temperature,
		}
		resp, err := llm.Retry(ctx, r.retry, func(ctx context.Context) (*llm.Response, error) {
			return r.provider.Complete(ctx, req)
		})
		if err != nil {
			err = fmt.Errorf("model call failed in round %d: %w", round, err)
			finish(domain.AgentRunFailed, err)
			return nil, err
		}

		result.RoundsUsed = round
		result.Usage = result.Usage.Add(resp.Usage)
		if resp.Model != "" {
			result.Model = resp.Model
		}

		if len(resp.ToolCalls) == 0 {
			result.Output = resp.Text
			finish(domain.AgentRunSucceeded, nil)
			return result, nil
		}

		calls := make([]llm.ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			if tc.ID == "" {
				tc.ID = "call_" + uuid.New().String()[:8]
			}
			calls[i] = tc
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: calls})

		for _, tc := range calls {
			res := dispatcher.Execute(ctx, tc.Name, tc.Arguments)
			result.ToolUsage = append(result.ToolUsage, tools.NewUsage(tc.Name, compactArgs(tc.Arguments), res))
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Content:    res.JSON(),
				IsError:    !res.OK,
			})
			if !res.OK {
				log.Debug("tool call failed", zap.String("tool", tc.Name), zap.String("error", res.Error))
			}
		}
	}

	exhausted := &ExhaustedError{
		MaxRounds: maxRounds,
		Usage:     result.Usage,
		Cost:      r.prices.Cost(result.Model, result.Usage),
	}
	finish(domain.AgentRunExhausted, exhausted)
	return nil, exhausted
}

// compactArgs drops insignificant whitespace; invalid JSON is kept as a string
func compactArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		quoted, _ := json.Marshal(string(raw))
		return quoted
	}
	out, _ := json.Marshal(v)
	return out
}
