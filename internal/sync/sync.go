// Package sync keeps the markdown plan document and the run index in step
// with the authoritative JSON state record of each run.
package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/parser"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
)

// Syncer handles status synchronization from run records to plan documents
// and the index
type Syncer struct {
	store  *taskstore.FileStore
	index  *taskstore.Index
	logger *zap.Logger
	now    func() time.Time
}

// New creates a new Syncer. index may be nil.
func New(store *taskstore.FileStore, index *taskstore.Index, logger *zap.Logger) *Syncer {
	return &Syncer{
		store:  store,
		index:  index,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// WritePlan renders and writes the plan document of a new run and indexes it
func (s *Syncer) WritePlan(run *domain.TaskRun, source string) error {
	if err := s.store.WritePlan(run.RunID, parser.RenderPlanDocument(run, source)); err != nil {
		return fmt.Errorf("writing plan document: %w", err)
	}
	return s.indexRun(run)
}

// MarkTaskDone sets a task's block to DONE and appends the loop output
func (s *Syncer) MarkTaskDone(runID, taskID, log string) error {
	md, err := s.store.ReadPlan(runID)
	if err != nil {
		return fmt.Errorf("reading plan document: %w", err)
	}
	return s.store.WritePlan(runID, parser.MarkTaskDone(md, taskID, log, s.now()))
}

// SyncRun rewrites the item statuses of the plan document from the run and
// updates the index. A missing plan document is not an error.
func (s *Syncer) SyncRun(run *domain.TaskRun) error {
	md, err := s.store.ReadPlan(run.RunID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading plan document: %w", err)
	default:
		updated := parser.SetTaskStatuses(md, statusesOf(run))
		if updated != md {
			if err := s.store.WritePlan(run.RunID, updated); err != nil {
				return fmt.Errorf("writing plan document: %w", err)
			}
		}
	}
	return s.indexRun(run)
}

// SyncAll syncs every run in the store and returns how many were synced
func (s *Syncer) SyncAll() (int, error) {
	runs, err := s.store.List()
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, run := range runs {
		if err := s.SyncRun(run); err != nil {
			// Log but continue
			s.logger.Warn("failed to sync run", zap.String("run_id", run.RunID), zap.Error(err))
			continue
		}
		synced++
	}
	return synced, nil
}

// Conflict is a task whose plan document status differs from the run record
type Conflict struct {
	RunID      string            `json:"runId"`
	TaskID     string            `json:"taskId"`
	RunStatus  domain.TaskStatus `json:"runStatus"`
	PlanStatus domain.TaskStatus `json:"planStatus"`
}

// DetectConflicts compares the plan document of a run against its record.
// Tasks missing from the plan document are reported with an empty PlanStatus.
func (s *Syncer) DetectConflicts(run *domain.TaskRun) ([]Conflict, error) {
	md, err := s.store.ReadPlan(run.RunID)
	if err != nil {
		return nil, fmt.Errorf("reading plan document: %w", err)
	}
	planned := parser.PlanStatuses(md)

	var conflicts []Conflict
	for _, t := range run.Tasks {
		ps, ok := planned[t.ID]
		if ok && ps == t.Status {
			continue
		}
		conflicts = append(conflicts, Conflict{RunID: run.RunID, TaskID: t.ID, RunStatus: t.Status, PlanStatus: ps})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].TaskID < conflicts[j].TaskID })
	return conflicts, nil
}

func (s *Syncer) indexRun(run *domain.TaskRun) error {
	if s.index == nil {
		return nil
	}
	if err := s.index.UpsertRun(run); err != nil {
		return fmt.Errorf("indexing run: %w", err)
	}
	return nil
}

func statusesOf(run *domain.TaskRun) map[string]domain.TaskStatus {
	out := make(map[string]domain.TaskStatus, len(run.Tasks))
	for _, t := range run.Tasks {
		out[t.ID] = t.Status
	}
	return out
}
