// Package tools is the dispatch table between the agent loop and the
// filesystem, analysis and process collaborators. Every call is checked
// against the role policy and path containment before it runs, and every
// outcome, including panics, comes back as a Result.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/analysis"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/llm"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/policy"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/procexec"
)

// Result is the JSON outcome of one tool call as fed back to the model
type Result struct {
	OK      bool   `json:"ok"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON encodes the result for a tool message
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		data, _ = json.Marshal(Result{OK: false, Error: "unencodable tool result: " + err.Error()})
	}
	return string(data)
}

// PolicyError is a denial by the policy engine
type PolicyError struct {
	Decision policy.Decision
}

func (e *PolicyError) Error() string {
	return "Policy violation: " + strings.Join(e.Decision.Violations, "; ")
}

// ToolUsage records one tool call made during a loop run
type ToolUsage struct {
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args,omitempty"`
	OK      bool            `json:"ok"`
	Summary string          `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const usageSummaryLen = 200

// NewUsage summarises a finished call
func NewUsage(name string, args json.RawMessage, res Result) ToolUsage {
	u := ToolUsage{Name: name, Args: args, OK: res.OK, Error: res.Error}
	if res.OK {
		data, _ := json.Marshal(res.Result)
		u.Summary = truncate(string(data), usageSummaryLen)
	}
	return u
}

// Deps are the collaborators the handlers call into
type Deps struct {
	Analyzer analysis.Analyzer
	Runner   *procexec.Runner
	Commands config.CommandsConfig
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Dispatcher executes tool calls for one loop run. It tracks files changed
// through it so patch budgets apply to the run as a whole.
type Dispatcher struct {
	root     string
	policy   policy.Config
	deps     Deps
	registry Registry
	logger   *zap.Logger

	mu      sync.Mutex
	changed map[string]int // rel path -> changed lines
}

// NewDispatcher creates a dispatcher over the default registry
func NewDispatcher(cfg policy.Config, deps Deps) (*Dispatcher, error) {
	return NewDispatcherWithRegistry(cfg, deps, DefaultRegistry())
}

// NewDispatcherWithRegistry creates a dispatcher over a custom registry
func NewDispatcherWithRegistry(cfg policy.Config, deps Deps, reg Registry) (*Dispatcher, error) {
	root, err := ResolveRoot(cfg.ProjectRoot)
	if err != nil {
		return nil, err
	}
	cfg.ProjectRoot = root
	if deps.Runner == nil {
		deps.Runner = procexec.NewRunner(procexec.WithLogger(logging.OrNop(deps.Logger)))
	}
	if deps.Timeout == 0 {
		deps.Timeout = procexec.DefaultTimeout
	}
	return &Dispatcher{
		root:     root,
		policy:   cfg,
		deps:     deps,
		registry: reg,
		logger:   logging.OrNop(deps.Logger),
		changed:  make(map[string]int),
	}, nil
}

// Root returns the resolved project root
func (d *Dispatcher) Root() string { return d.root }

// Policy returns the effective policy
func (d *Dispatcher) Policy() policy.Config { return d.policy }

// Definitions returns the schemas of the tools this dispatcher will run
func (d *Dispatcher) Definitions() []llm.ToolDefinition {
	return d.registry.Definitions(d.policy)
}

// ChangedFiles returns the paths changed through write_file and apply_patch
func (d *Dispatcher) ChangedFiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.changed))
	for p := range d.changed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Execute runs one tool call. It never returns an error and never panics.
func (d *Dispatcher) Execute(ctx context.Context, name string, args json.RawMessage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", zap.String("tool", name), zap.Any("panic", r))
			res = Result{OK: false, Error: fmt.Sprintf("tool %s panicked: %v", name, r)}
		}
	}()

	tool, ok := d.registry[name]
	if !ok || !d.policy.AllowsTool(name) {
		return Result{OK: false, Error: fmt.Sprintf("tool %q is not allowed for this role", name)}
	}

	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	start := time.Now()
	out, err := tool.Handler(ctx, d, args)
	d.logger.Debug("tool call",
		zap.String("tool", name),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil))

	if err != nil {
		var pe *PolicyError
		if errors.As(err, &pe) {
			return Result{OK: false, Error: "Policy violation", Details: pe.Decision}
		}
		return Result{OK: false, Error: err.Error()}
	}
	return Result{OK: true, Result: out}
}

// resolve validates a path argument for an action kind
func (d *Dispatcher) resolve(rel string, kind policy.ActionKind) (string, string, error) {
	abs, cleaned, err := ResolvePath(d.root, rel)
	if err != nil {
		return "", "", err
	}
	if IsBlocked(cleaned) {
		return "", "", fmt.Errorf("path is blocked: %s", cleaned)
	}
	if err := d.check(policy.Action{Kind: kind, Targets: []string{abs}}); err != nil {
		return "", "", err
	}
	return abs, cleaned, nil
}

func (d *Dispatcher) check(action policy.Action) error {
	dec := policy.Evaluate(action, d.policy)
	if !dec.Allowed {
		return &PolicyError{Decision: dec}
	}
	return nil
}

// readable reports whether a project-relative path passes the read policy
func (d *Dispatcher) readable(rel string) bool {
	if IsBlocked(rel) {
		return false
	}
	abs := filepath.Join(d.root, filepath.FromSlash(rel))
	return policy.Evaluate(policy.Action{Kind: policy.ReadFile, Targets: []string{abs}}, d.policy).Allowed
}

// patchBudget returns the cumulative targets and line count a patch to rel
// would bring the run to.
func (d *Dispatcher) patchBudget(abs, rel string, lines int) ([]string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	targets := []string{abs}
	total := lines
	for p, n := range d.changed {
		total += n
		if p != rel {
			targets = append(targets, filepath.Join(d.root, filepath.FromSlash(p)))
		}
	}
	return targets, total
}

func (d *Dispatcher) recordChange(rel string, lines int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changed[rel] += lines
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// tail keeps the last n runes of s
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
