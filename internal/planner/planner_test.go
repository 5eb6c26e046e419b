package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/agent"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/parser"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/tools"
)

type fakeLoop struct {
	inputs []agent.Input
	result *agent.Result
	err    error
}

func (f *fakeLoop) Run(ctx context.Context, in agent.Input) (*agent.Result, error) {
	f.inputs = append(f.inputs, in)
	return f.result, f.err
}

const blocks = `## Task
Id: 1
Title: Add validator
Files:
- src/validate.ts
Description:
Add an email validator.
`

func setup(t *testing.T, loop Loop) (*Planner, string) {
	t.Helper()
	root, err := tools.ResolveRoot(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tasks"), 0755))

	cfg := config.Default()
	cfg.General.ProjectRoot = root

	p := New(cfg, loop, nil, nil, nil)
	p.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }
	return p, root
}

func writeTask(t *testing.T, root, name, content string) string {
	t.Helper()
	rel := filepath.ToSlash(filepath.Join("tasks", name))
	require.NoError(t, os.WriteFile(filepath.Join(root, filepath.FromSlash(rel)), []byte(content), 0644))
	return rel
}

func TestPlan_CompilesTaskBlocksDirectly(t *testing.T) {
	loop := &fakeLoop{}
	p, root := setup(t, loop)
	rel := writeTask(t, root, "a.md", blocks)

	res, err := p.Plan(context.Background(), Request{TaskPath: rel})
	require.NoError(t, err)

	assert.True(t, res.Compiled)
	assert.Empty(t, loop.inputs, "no model call for a ready breakdown")
	run := res.Run
	assert.Regexp(t, `^[0-9a-f]{16}$`, run.RunID)
	assert.Equal(t, domain.RunDraft, run.Status)
	assert.Equal(t, "tasks/a.md", run.TaskPath)
	assert.Equal(t, root, run.ProjectRoot)
	assert.Equal(t, DefaultRole, run.Role)
	require.Len(t, run.Tasks, 1)
	assert.Equal(t, []string{"src/validate.ts"}, run.Tasks[0].Files)

	store := taskstore.NewFileStore(filepath.Join(root, "docs", "plans"))
	saved, err := store.Load(run.RunID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, run.Tasks, saved.Tasks)

	md, err := os.ReadFile(res.PlanPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "- [ ] 1: Add validator")
}

func TestPlan_AbsoluteTaskPathInsideRoot(t *testing.T) {
	p, root := setup(t, &fakeLoop{})
	rel := writeTask(t, root, "abs.md", blocks)

	res, err := p.Plan(context.Background(), Request{TaskPath: filepath.Join(root, filepath.FromSlash(rel))})
	require.NoError(t, err)
	assert.Equal(t, "tasks/abs.md", res.Run.TaskPath)
}

func TestPlan_UsesModelBreakdown(t *testing.T) {
	loop := &fakeLoop{result: &agent.Result{
		ID:         "agent-1",
		Output:     "Here is the plan.\n\n" + blocks,
		RoundsUsed: 3,
		Usage:      domain.Usage{TotalTokens: 42},
	}}
	p, root := setup(t, loop)
	rel := writeTask(t, root, "free.md", "Please add email validation to the signup form.")

	res, err := p.Plan(context.Background(), Request{TaskPath: rel})
	require.NoError(t, err)

	assert.False(t, res.Compiled)
	assert.Equal(t, "agent-1", res.AgentRunID)
	assert.Equal(t, 42, res.Usage.TotalTokens)
	require.Len(t, res.Run.Tasks, 1)
	assert.Equal(t, "Add validator", res.Run.Tasks[0].Title)

	require.Len(t, loop.inputs, 1)
	in := loop.inputs[0]
	assert.Equal(t, domain.ModePlan, in.Mode)
	assert.Equal(t, 20, in.MaxRounds)
	assert.Equal(t, "coder", in.Role)
	assert.Contains(t, in.SystemPrompt, "cannot modify")
	assert.Contains(t, in.UserMessage, "Please add email validation")
	assert.False(t, in.Policy.AllowsTool("apply_patch"), "plan mode drops mutating tools")
	assert.True(t, in.Policy.AllowsTool("read_file"))
}

func TestPlan_BreakdownWithoutBlocksFallsBackToDocument(t *testing.T) {
	loop := &fakeLoop{result: &agent.Result{Output: "I could not split this."}}
	p, root := setup(t, loop)
	doc := "Rename the billing module."
	rel := writeTask(t, root, "free.md", doc)

	res, err := p.Plan(context.Background(), Request{TaskPath: rel})
	require.NoError(t, err)
	require.Len(t, res.Run.Tasks, 1)
	assert.Equal(t, parser.FallbackID, res.Run.Tasks[0].ID)
	assert.Equal(t, doc, res.Run.Tasks[0].Description)
}

func TestPlan_FrontmatterRoleAndOverride(t *testing.T) {
	p, root := setup(t, &fakeLoop{})
	rel := writeTask(t, root, "fm.md", "---\nrole: documenter\n---\n"+blocks)

	res, err := p.Plan(context.Background(), Request{TaskPath: rel})
	require.NoError(t, err)
	assert.Equal(t, "documenter", res.Run.Role)

	res, err = p.Plan(context.Background(), Request{TaskPath: rel, Role: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "tester", res.Run.Role)

	_, err = p.Plan(context.Background(), Request{TaskPath: rel, Role: "wizard"})
	assert.ErrorContains(t, err, `unknown role "wizard"`)
}

func TestPlan_Errors(t *testing.T) {
	boom := errors.New("model down")
	p, root := setup(t, &fakeLoop{err: boom})
	empty := writeTask(t, root, "empty.md", "  \n")
	free := writeTask(t, root, "free.md", "free text")
	outside := filepath.Join(t.TempDir(), "outside.md")
	require.NoError(t, os.WriteFile(outside, []byte(blocks), 0644))

	_, err := p.Plan(context.Background(), Request{TaskPath: empty})
	assert.ErrorIs(t, err, ErrEmptyTask)

	_, err = p.Plan(context.Background(), Request{TaskPath: "../escape.md"})
	assert.ErrorIs(t, err, tools.ErrPathEscape)

	_, err = p.Plan(context.Background(), Request{TaskPath: outside})
	assert.ErrorIs(t, err, tools.ErrPathEscape)

	_, err = p.Plan(context.Background(), Request{TaskPath: ""})
	assert.Error(t, err)

	_, err = p.Plan(context.Background(), Request{TaskPath: free})
	assert.ErrorIs(t, err, boom)
}

func TestPlan_NoModelConfigured(t *testing.T) {
	p, root := setup(t, nil)
	rel := writeTask(t, root, "free.md", "free text")
	_, err := p.Plan(context.Background(), Request{TaskPath: rel})
	assert.ErrorContains(t, err, "no model is configured")
}

func TestApprove(t *testing.T) {
	p, root := setup(t, &fakeLoop{})
	rel := writeTask(t, root, "a.md", blocks)
	res, err := p.Plan(context.Background(), Request{TaskPath: rel})
	require.NoError(t, err)
	id := res.Run.RunID

	run, err := p.Approve("", id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunApproved, run.Status)
	require.NotNil(t, run.ApprovedAt)
	first := *run.ApprovedAt

	p.now = func() time.Time { return first.Add(time.Hour) }
	run, err = p.Approve(root, id)
	require.NoError(t, err, "approving twice is a no-op")
	assert.Equal(t, first, *run.ApprovedAt)

	store := taskstore.NewFileStore(filepath.Join(root, "docs", "plans"))
	_, err = store.Update(id, "", func(r *domain.TaskRun) error {
		r.Status = domain.RunDone
		return nil
	})
	require.NoError(t, err)
	_, err = p.Approve(root, id)
	assert.ErrorIs(t, err, ErrNotApprovable)

	_, err = p.Approve(root, "missing")
	assert.ErrorIs(t, err, taskstore.ErrRunNotFound)
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
