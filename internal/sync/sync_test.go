package sync

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/parser"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
)

const source = `## Task
Id: a
Title: First
Status: PENDING
Files:
- src/a.ts
Description:
Do a.

## Task
Id: b
Title: Second
Description:
Do b.
`

func setup(t *testing.T) (*Syncer, *taskstore.FileStore, *taskstore.Index, *domain.TaskRun) {
	t.Helper()
	store := taskstore.NewFileStore(filepath.Join(t.TempDir(), "plans"))
	idx, err := taskstore.OpenIndex(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	run := &domain.TaskRun{
		RunID:       "run1",
		TaskPath:    "tasks/x.md",
		ProjectRoot: "/repo",
		Role:        "coder",
		Status:      domain.RunDraft,
		CreatedAt:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Tasks:       parser.CompilePlan(source),
	}
	if err := store.Save(run); err != nil {
		t.Fatal(err)
	}
	s := New(store, idx, nil)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 1, 0, 0, 0, time.UTC) }
	return s, store, idx, run
}

func TestWritePlan(t *testing.T) {
	s, store, idx, run := setup(t)

	if err := s.WritePlan(run, source); err != nil {
		t.Fatal(err)
	}
	md, err := store.ReadPlan("run1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "## Tasks (2)") {
		t.Errorf("plan document missing task list:\n%s", md)
	}
	got, err := idx.GetRun("run1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Counts.Total != 2 {
		t.Errorf("indexed total = %d, want 2", got.Counts.Total)
	}
}

func TestMarkTaskDone(t *testing.T) {
	s, store, _, run := setup(t)
	if err := s.WritePlan(run, source); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkTaskDone("run1", "a", "changed src/a.ts"); err != nil {
		t.Fatal(err)
	}
	md, _ := store.ReadPlan("run1")
	if st := parser.PlanStatuses(md)["a"]; st != domain.StatusDone {
		t.Errorf("status of a = %q, want DONE", st)
	}
	if !strings.Contains(md, "Log (2026-05-01T01:00:00Z):\n\nchanged src/a.ts\n") {
		t.Errorf("log not appended:\n%s", md)
	}
}

func TestMarkTaskDone_NoPlan(t *testing.T) {
	s, _, _, _ := setup(t)
	if err := s.MarkTaskDone("run1", "a", ""); err == nil {
		t.Error("expected error without a plan document")
	}
}

func TestSyncRunAndDetectConflicts(t *testing.T) {
	s, store, idx, run := setup(t)
	if err := s.WritePlan(run, source); err != nil {
		t.Fatal(err)
	}

	run.Task("a").Status = domain.StatusDone
	run.Task("b").Status = domain.StatusFailed
	run.RecomputeStatus()

	conflicts, err := s.DetectConflicts(run)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 2 {
		t.Fatalf("conflicts = %+v, want 2", conflicts)
	}
	if conflicts[0].TaskID != "a" || conflicts[0].PlanStatus != domain.StatusPending || conflicts[0].RunStatus != domain.StatusDone {
		t.Errorf("conflict[0] = %+v", conflicts[0])
	}

	if err := s.SyncRun(run); err != nil {
		t.Fatal(err)
	}
	conflicts, err = s.DetectConflicts(run)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Errorf("conflicts after sync = %+v, want none", conflicts)
	}

	md, _ := store.ReadPlan("run1")
	if !strings.Contains(md, "- [x] a: First") {
		t.Errorf("checklist not ticked:\n%s", md)
	}
	got, _ := idx.GetRun("run1")
	if got.Status != domain.RunFailed || got.Counts.Failed != 1 {
		t.Errorf("indexed = %+v, want failed with one failed item", got)
	}
}

func TestSyncAll(t *testing.T) {
	s, store, idx, run := setup(t)

	other := *run
	other.RunID = "run2"
	if err := store.Save(&other); err != nil {
		t.Fatal(err)
	}

	n, err := s.SyncAll()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("synced = %d, want 2", n)
	}
	runs, err := idx.ListRuns(taskstore.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("indexed runs = %d, want 2", len(runs))
	}
}
