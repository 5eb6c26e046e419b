// Package planner turns a task document into a draft run and approves runs
// for execution.
package planner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/agent"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/parser"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/policy"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/sync"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/tools"
)

// PlannerRole is the role whose prompt drives the breakdown run
const PlannerRole = "planner"

// DefaultRole is used when neither the request nor the document names one
const DefaultRole = "coder"

var (
	// ErrEmptyTask is returned for a task document without content
	ErrEmptyTask = errors.New("task document is empty")
	// ErrNotApprovable is returned when approving a finished run
	ErrNotApprovable = errors.New("run cannot be approved")
)

// Loop runs one bounded tool-calling conversation
type Loop interface {
	Run(ctx context.Context, in agent.Input) (*agent.Result, error)
}

// Request describes one planning request
type Request struct {
	TaskPath    string `json:"taskPath"`
	ProjectRoot string `json:"projectRoot,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Result is a newly created draft run
type Result struct {
	Run        *domain.TaskRun `json:"run"`
	PlanPath   string          `json:"planPath"`
	Compiled   bool            `json:"compiled"` // task blocks were taken from the document itself
	AgentRunID string          `json:"agentRunId,omitempty"`
	Usage      domain.Usage    `json:"usage"`
	Cost       domain.Cost     `json:"cost"`
}

// Planner creates and approves runs
type Planner struct {
	cfg     *config.Config
	loop    Loop
	prompts *prompts.Loader
	index   *taskstore.Index
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a planner. index may be nil.
func New(cfg *config.Config, loop Loop, loader *prompts.Loader, index *taskstore.Index, logger *zap.Logger) *Planner {
	if loader == nil {
		loader = prompts.NewLoader()
	}
	return &Planner{
		cfg:     cfg,
		loop:    loop,
		prompts: loader,
		index:   index,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Plan reads the task document, breaks it into task items and saves a
// draft run with its plan document. A document that already contains task
// blocks is compiled directly; otherwise the model produces the breakdown.
func (p *Planner) Plan(ctx context.Context, req Request) (*Result, error) {
	root, err := p.cfg.ResolveProjectRoot(req.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	root, err = tools.ResolveRoot(root)
	if err != nil {
		return nil, err
	}

	abs, rel, err := taskFile(root, req.TaskPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	doc := string(data)
	if strings.TrimSpace(doc) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTask, rel)
	}

	fm, _, err := parser.ParseFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("parsing task frontmatter: %w", err)
	}
	role := req.Role
	if role == "" {
		role = fm.Role
	}
	if role == "" {
		role = DefaultRole
	}
	if _, err := p.cfg.Role(role); err != nil {
		return nil, err
	}

	log := p.logger.With(zap.String("task_path", rel), zap.String("role", role))
	res := &Result{}

	var items []domain.TaskItem
	if parser.HasTaskBlocks(doc) {
		items = parser.CompilePlan(doc)
		res.Compiled = true
		log.Info("compiled task blocks from document", zap.Int("tasks", len(items)))
	} else {
		out, err := p.breakdown(ctx, root, rel, role, doc)
		if err != nil {
			return nil, err
		}
		res.AgentRunID, res.Usage, res.Cost = out.ID, out.Usage, out.Cost
		if parser.HasTaskBlocks(out.Output) {
			items = parser.CompilePlan(out.Output)
		} else {
			log.Warn("breakdown has no task blocks, using the document as a single task")
			items = parser.CompilePlan(doc)
		}
		log.Info("planned task breakdown", zap.Int("tasks", len(items)), zap.Int("rounds", out.RoundsUsed))
	}

	run := &domain.TaskRun{
		RunID:       NewRunID(),
		TaskPath:    rel,
		ProjectRoot: root,
		Role:        role,
		Status:      domain.RunDraft,
		CreatedAt:   p.now().UTC(),
		Tasks:       items,
	}

	store := taskstore.ForProject(p.cfg, root, p.logger)
	if err := store.Save(run); err != nil {
		return nil, fmt.Errorf("saving run: %w", err)
	}
	if err := sync.New(store, p.index, p.logger).WritePlan(run, doc); err != nil {
		return nil, err
	}
	planPath, _ := store.PlanPath(run.RunID)

	res.Run = run
	res.PlanPath = planPath
	return res, nil
}

// breakdown asks the model for task blocks in plan mode
func (p *Planner) breakdown(ctx context.Context, root, rel, role, doc string) (*agent.Result, error) {
	if p.loop == nil {
		return nil, errors.New("task document has no task blocks and no model is configured")
	}
	roleCfg, err := p.cfg.Role(role)
	if err != nil {
		return nil, err
	}
	system, err := p.prompts.RoleSystemPrompt(PlannerRole)
	if err != nil {
		return nil, err
	}
	user, err := p.prompts.BuildPlanPrompt(prompts.PlanData{TaskPath: rel, ProjectRoot: root, Task: doc})
	if err != nil {
		return nil, err
	}

	out, err := p.loop.Run(ctx, agent.Input{
		SystemPrompt: system,
		UserMessage:  user,
		Policy:       policy.Build(root, roleCfg, domain.ModePlan),
		Mode:         domain.ModePlan,
		MaxRounds:    p.cfg.Agent.PlanMaxRounds,
		Model:        p.cfg.ModelFor(true),
		Role:         role,
	})
	if err != nil {
		return nil, fmt.Errorf("planning %s: %w", rel, err)
	}
	return out, nil
}

// Approve moves a draft run to approved. Approving an approved or running
// run is a no-op; finished runs cannot be approved.
func (p *Planner) Approve(projectRoot, runID string) (*domain.TaskRun, error) {
	root, err := p.cfg.ResolveProjectRoot(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	if resolved, err := tools.ResolveRoot(root); err == nil {
		root = resolved
	}

	store := taskstore.ForProject(p.cfg, root, p.logger)
	run, err := store.Update(runID, "", func(run *domain.TaskRun) error {
		switch run.Status {
		case domain.RunDraft:
			now := p.now().UTC()
			run.ApprovedAt = &now
			run.Status = domain.RunApproved
		case domain.RunApproved, domain.RunRunning:
		default:
			return fmt.Errorf("%w: run %s is %s", ErrNotApprovable, runID, run.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := sync.New(store, p.index, p.logger).SyncRun(run); err != nil {
		p.logger.Warn("syncing approved run failed", zap.String("run_id", runID), zap.Error(err))
	}
	p.logger.Info("run approved", zap.String("run_id", runID))
	return run, nil
}

// taskFile resolves a task path, relative or absolute, inside root
func taskFile(root, taskPath string) (string, string, error) {
	if taskPath == "" {
		return "", "", fmt.Errorf("task path is required")
	}
	rel := taskPath
	if filepath.IsAbs(taskPath) {
		real := taskPath
		if r, err := filepath.EvalSymlinks(taskPath); err == nil {
			real = r
		}
		r, err := filepath.Rel(root, real)
		if err != nil {
			return "", "", fmt.Errorf("%w: %s", tools.ErrPathEscape, taskPath)
		}
		rel = r
	}
	return tools.ResolvePath(root, rel)
}

// NewRunID returns a 16 character hex run id
func NewRunID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
