package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/observer"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/sync"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
)

// Report summarises one janitor pass
type Report struct {
	Projects     []string             `json:"projects"`
	ClearedLocks map[string][]string  `json:"clearedLocks"` // project root -> run ids
	Synced       int                  `json:"synced"`
	Stuck        []observer.StuckTask `json:"stuck,omitempty"`
}

// Janitor runs the maintenance jobs of a batch
type Janitor struct {
	cfg      *config.Config
	index    *taskstore.Index
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewJanitor creates a janitor. index and notifier may be nil.
func NewJanitor(cfg *config.Config, index *taskstore.Index, notifier notify.Notifier, logger *zap.Logger) *Janitor {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Janitor{
		cfg:      cfg,
		index:    index,
		notifier: notifier,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// RunBatch adapts Run to the scheduler
func (j *Janitor) RunBatch(ctx context.Context, b BatchConfig) error {
	_, err := j.Run(ctx, b)
	return err
}

// Run executes the batch's jobs for every project it covers. Projects that
// fail are logged and reported in the returned error; the others still run.
func (j *Janitor) Run(ctx context.Context, b BatchConfig) (*Report, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	projects, err := j.projects(b)
	if err != nil {
		return nil, err
	}

	report := &Report{Projects: projects, ClearedLocks: make(map[string][]string)}
	var errs []error
	for _, root := range projects {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := j.runProject(root, b, report); err != nil {
			j.logger.Warn("maintenance failed", zap.String("project_root", root), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", root, err))
		}
	}

	if len(report.Stuck) > 0 {
		ids := make([]string, 0, len(report.Stuck))
		for _, s := range report.Stuck {
			ids = append(ids, s.RunID+"/"+s.TaskID)
		}
		j.send(notify.Notification{
			Title:   fmt.Sprintf("%d task(s) stuck in progress", len(report.Stuck)),
			Message: strings.Join(ids, ", "),
			Type:    notify.NotifyWarning,
		})
	}
	if b.NotifyOnComplete {
		j.send(notify.Notification{
			Title:   fmt.Sprintf("Batch %s finished", b.Name),
			Message: fmt.Sprintf("%d project(s), %d run(s) synced", len(projects), report.Synced),
			Type:    notify.NotifyInfo,
		})
	}

	j.logger.Info("maintenance batch finished",
		zap.String("batch", b.Name),
		zap.Int("projects", len(projects)),
		zap.Int("synced", report.Synced),
		zap.Int("stuck", len(report.Stuck)))
	return report, errors.Join(errs...)
}

func (j *Janitor) runProject(root string, b BatchConfig, report *Report) error {
	store := taskstore.ForProject(j.cfg, root, j.logger)

	if b.HasJob(JobClearLocks) {
		cleared, err := store.ClearStaleLocks()
		if err != nil {
			return fmt.Errorf("clearing stale locks: %w", err)
		}
		if len(cleared) > 0 {
			report.ClearedLocks[root] = cleared
			j.logger.Info("cleared stale locks", zap.String("project_root", root), zap.Strings("run_ids", cleared))
		}
	}

	if b.HasJob(JobSync) {
		n, err := sync.New(store, j.index, j.logger).SyncAll()
		if err != nil {
			return fmt.Errorf("syncing runs: %w", err)
		}
		report.Synced += n
	}

	if b.HasJob(JobReportStuck) {
		runs, err := store.List()
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		obs := observer.New(time.Duration(b.StuckMinutes) * time.Minute)
		report.Stuck = append(report.Stuck, obs.StuckTasks(runs, j.now())...)
	}
	return nil
}

// projects returns the batch's projects, else those known to the index
func (j *Janitor) projects(b BatchConfig) ([]string, error) {
	if len(b.Projects) > 0 {
		out := make([]string, 0, len(b.Projects))
		for _, p := range b.Projects {
			out = append(out, config.ExpandPath(p))
		}
		return out, nil
	}
	if j.index != nil {
		return j.index.ListProjects()
	}
	if j.cfg.General.ProjectRoot != "" {
		return []string{config.ExpandPath(j.cfg.General.ProjectRoot)}, nil
	}
	return nil, nil
}

func (j *Janitor) send(n notify.Notification) {
	if err := j.notifier.Send(n); err != nil {
		j.logger.Warn("sending notification failed", zap.Error(err))
	}
}
