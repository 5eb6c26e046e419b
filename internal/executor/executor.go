// Package executor advances an approved run by one task item: it snapshots
// the working tree, runs the tool-calling loop in execute mode, verifies the
// result and keeps or reverts the change.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/agent"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/analysis"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/policy"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/sync"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/tools"
)

// Verification notes
const (
	NoteTypeCheckPassed = "ts_check passed"
	NoteScopeOK         = "scope ok"
	NoteAPIChanged      = "Public API exports changed in allowed files (not permitted)."
)

// maxReportedDiagnostics caps the diagnostics stored on a failed item
const maxReportedDiagnostics = 50

var (
	// ErrRunNotFound is returned when no state record exists for the run
	ErrRunNotFound = taskstore.ErrRunNotFound
	// ErrNotExecutable is returned for runs that are not approved or running
	ErrNotExecutable = errors.New("run is not executable")
	// ErrNotResettable is returned when resetting an item that is pending or done
	ErrNotResettable = errors.New("task cannot be reset")
)

// Kind classifies the outcome of one ExecuteNext call
type Kind string

const (
	KindExecuted    Kind = "executed"
	KindConflict    Kind = "conflict"
	KindNoPending   Kind = "noPending"
	KindInterrupted Kind = "interrupted"
)

// Outcome is the result of one ExecuteNext call
type Outcome struct {
	Kind         Kind              `json:"kind"`
	RunID        string            `json:"runId"`
	TaskID       string            `json:"taskId,omitempty"`
	Status       domain.TaskStatus `json:"status,omitempty"`
	RunStatus    domain.RunStatus  `json:"runStatus"`
	OK           bool              `json:"ok"`
	Notes        []string          `json:"notes,omitempty"`
	Error        string            `json:"error,omitempty"`
	ChangedFiles []string          `json:"changedFiles,omitempty"`
	Reverted     bool              `json:"reverted,omitempty"`
	Snapshot     string            `json:"snapshot,omitempty"`
	AgentRunID   string            `json:"agentRunId,omitempty"`
	Usage        domain.Usage      `json:"usage"`
	Cost         domain.Cost       `json:"cost"`
}

// Loop runs one bounded tool-calling conversation
type Loop interface {
	Run(ctx context.Context, in agent.Input) (*agent.Result, error)
}

// Executor runs task items
type Executor struct {
	cfg      *config.Config
	loop     Loop
	analyzer analysis.Analyzer
	prompts  *prompts.Loader
	index    *taskstore.Index
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time

	// renewEvery is how often the run lock is refreshed while an item
	// executes. Zero means a third of the lock TTL.
	renewEvery time.Duration
}

// Option configures an Executor
type Option func(*Executor)

// WithPrompts sets the prompt loader
func WithPrompts(l *prompts.Loader) Option {
	return func(e *Executor) { e.prompts = l }
}

// WithIndex mirrors run state into the sqlite index
func WithIndex(idx *taskstore.Index) Option {
	return func(e *Executor) { e.index = idx }
}

// WithNotifier sends a notification for every executed item
func WithNotifier(n notify.Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an executor
func New(cfg *config.Config, loop Loop, analyzer analysis.Analyzer, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		loop:     loop,
		analyzer: analyzer,
		prompts:  prompts.NewLoader(),
		notifier: notify.NoopNotifier{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteNext advances the run by at most one task item. Lock conflicts and
// runs without pending items are reported through the outcome kind; a
// failed item is reported with OK=false and a nil error.
func (e *Executor) ExecuteNext(ctx context.Context, projectRoot, runID string) (*Outcome, error) {
	root, err := e.resolveRoot(projectRoot)
	if err != nil {
		return nil, err
	}
	store := taskstore.ForProject(e.cfg, root, e.logger)
	syncer := sync.New(store, e.index, e.logger)
	log := e.logger.With(zap.String("run_id", runID))

	run, err := store.Load(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if !run.Status.Executable() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotExecutable, runID, run.Status)
	}

	token, err := store.Acquire(runID)
	if err != nil {
		var conflict *taskstore.LockConflictError
		if errors.As(err, &conflict) {
			log.Info("run is locked", zap.String("held_by", conflict.HeldBy))
			return &Outcome{Kind: KindConflict, RunID: runID, RunStatus: run.Status, Error: err.Error()}, nil
		}
		return nil, err
	}
	defer func() {
		if err := store.Release(runID, token); err != nil {
			log.Warn("releasing run lock failed", zap.Error(err))
		}
	}()

	// pos is the index of the claimed item. Ids are not guaranteed unique,
	// so the result is written back by position.
	var (
		item     domain.TaskItem
		orphaned bool
		pos      = -1
	)
	run, err = store.Update(runID, token, func(r *domain.TaskRun) error {
		if !r.Status.Executable() {
			return fmt.Errorf("%w: run %s is %s", ErrNotExecutable, runID, r.Status)
		}
		now := e.now().UTC()
		// We hold the lock, so an IN_PROGRESS item was left by an execution
		// that never finished. It is failed rather than rerun because its
		// partial edits were never verified.
		for i := range r.Tasks {
			t := &r.Tasks[i]
			if t.Status != domain.StatusInProgress {
				continue
			}
			t.Status = domain.StatusFailed
			t.CompletedAt = &now
			t.LastError = "execution was interrupted before verification"
			t.AddLog(now, domain.LogError, t.LastError)
			r.RecomputeStatus()
			r.Lock = nil
			item, orphaned, pos = *t, true, i
			return nil
		}
		i := r.NextPendingIndex()
		if i < 0 {
			r.RecomputeStatus()
			r.Lock = nil
			return nil
		}
		next := &r.Tasks[i]
		next.Status = domain.StatusInProgress
		next.Attempts++
		next.StartedAt = &now
		next.CompletedAt = nil
		next.LastError = ""
		next.ChangedFiles = nil
		next.Verification = nil
		next.Reverted = nil
		r.RecomputeStatus()
		item, pos = *next, i
		return nil
	})
	if err != nil {
		return nil, err
	}

	if pos < 0 {
		e.syncRun(syncer, run, log)
		log.Info("no pending task", zap.String("run_status", string(run.Status)))
		return &Outcome{Kind: KindNoPending, RunID: runID, RunStatus: run.Status, OK: true}, nil
	}
	if orphaned {
		e.syncRun(syncer, run, log)
		log.Warn("failed interrupted task", zap.String("task_id", item.ID))
		e.notify(run, &item, log)
		return &Outcome{
			Kind:      KindInterrupted,
			RunID:     runID,
			TaskID:    item.ID,
			Status:    item.Status,
			RunStatus: run.Status,
			Error:     item.LastError,
		}, nil
	}

	log = log.With(zap.String("task_id", item.ID))
	log.Info("executing task", zap.String("title", item.Title), zap.Int("attempt", item.Attempts))

	out := &Outcome{Kind: KindExecuted, RunID: runID, TaskID: item.ID}
	execCtx, cancelExec := context.WithCancel(ctx)
	stopRenewal := e.keepLock(store, runID, token, cancelExec, log)
	result, snap := e.attempt(execCtx, root, store, run, &item, out, log)
	lockErr := stopRenewal()
	cancelExec()

	run, err = store.Update(runID, token, func(r *domain.TaskRun) error {
		if pos >= len(r.Tasks) || r.Tasks[pos].ID != item.ID {
			return fmt.Errorf("task %s disappeared from run %s", item.ID, runID)
		}
		r.Tasks[pos] = item
		r.RecomputeStatus()
		r.Lock = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, taskstore.ErrLockNotHeld) {
			if lockErr != nil {
				err = lockErr
			}
			e.abandon(ctx, snap, &item, log)
			return nil, fmt.Errorf("run lock was lost while executing %s: %w", item.ID, err)
		}
		return nil, fmt.Errorf("persisting task result: %w", err)
	}

	if item.Status == domain.StatusDone {
		if err := syncer.MarkTaskDone(runID, item.ID, BuildCompletionLog(&item, result)); err != nil {
			log.Warn("updating plan document failed", zap.Error(err))
		}
	}
	e.syncRun(syncer, run, log)
	e.notify(run, &item, log)

	out.Status = item.Status
	out.RunStatus = run.Status
	out.OK = item.Status == domain.StatusDone
	if item.Verification != nil {
		out.Notes = item.Verification.Notes
	}
	out.ChangedFiles = item.ChangedFiles
	out.Reverted = item.Reverted != nil && *item.Reverted
	if !out.OK {
		out.Error = item.LastError
	}
	log.Info("task finished",
		zap.String("status", string(item.Status)),
		zap.String("run_status", string(run.Status)),
		zap.Strings("changed_files", item.ChangedFiles))
	return out, nil
}

// keepLock refreshes the run lock in the background until the returned stop
// function is called. If another holder takes the lock over, onLost is called
// once and stop reports the takeover.
func (e *Executor) keepLock(store *taskstore.FileStore, runID, token string, onLost func(), log *zap.Logger) (stop func() error) {
	every := e.renewEvery
	if every <= 0 {
		every = store.LockTTL() / 3
	}
	done := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				result <- nil
				return
			case <-ticker.C:
				err := store.AcquireAs(runID, token)
				if err == nil {
					continue
				}
				var conflict *taskstore.LockConflictError
				if errors.As(err, &conflict) {
					log.Error("run lock was taken over", zap.String("held_by", conflict.HeldBy))
					onLost()
					result <- fmt.Errorf("%w: now held by %s", taskstore.ErrLockNotHeld, conflict.HeldBy)
					return
				}
				log.Warn("renewing run lock failed", zap.Error(err))
			}
		}
	}()
	return func() error {
		close(done)
		return <-result
	}
}

// abandon reverts whatever the item left in the working tree after its
// result could not be saved. A result that was never saved must not leave
// unverified edits behind.
func (e *Executor) abandon(ctx context.Context, snap SnapshotStrategy, item *domain.TaskItem, log *zap.Logger) {
	if snap == nil || (item.Reverted != nil && *item.Reverted) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	changed, err := snap.Changed(ctx)
	if err != nil {
		log.Error("listing changes of abandoned task failed", zap.Error(err))
		return
	}
	if err := snap.Revert(ctx, changed); err != nil {
		log.Error("reverting abandoned task failed", zap.Strings("changed_files", changed), zap.Error(err))
		return
	}
	log.Warn("reverted abandoned task", zap.Strings("changed_files", changed))
}

// attempt runs the loop and the verification gate for item, recording the
// result on item. It returns the loop's final text and the snapshot taken
// before the loop ran, which is nil if none could be taken.
func (e *Executor) attempt(ctx context.Context, root string, store *taskstore.FileStore, run *domain.TaskRun, item *domain.TaskItem, out *Outcome, log *zap.Logger) (string, SnapshotStrategy) {
	filter := snapshotFilter{}
	if rel, err := filepath.Rel(root, store.Dir()); err == nil && !strings.HasPrefix(rel, "..") {
		filter.ignore = append(filter.ignore, filepath.ToSlash(rel))
	}

	snap, err := takeSnapshot(ctx, root, item.Files, filter)
	if err != nil {
		e.fail(item, fmt.Sprintf("snapshot failed: %v", err), log)
		return "", nil
	}
	out.Snapshot = snap.Name()

	checkAPI := !item.AllowsAPIChanges()
	var before string
	if checkAPI {
		before, err = e.fingerprint(ctx, root, item.Files)
		if err != nil {
			e.fail(item, fmt.Sprintf("outlining allowed files: %v", err), log)
			return "", snap
		}
	}

	roleCfg, err := e.cfg.Role(run.Role)
	if err != nil {
		e.fail(item, err.Error(), log)
		return "", snap
	}
	system, user, err := BuildPrompt(e.prompts, run, item)
	if err != nil {
		e.fail(item, err.Error(), log)
		return "", snap
	}
	if e.loop == nil {
		e.fail(item, "no model is configured", log)
		return "", snap
	}

	res, err := e.loop.Run(ctx, agent.Input{
		SystemPrompt: system,
		UserMessage:  user,
		Policy:       policy.Build(root, roleCfg, domain.ModeExecute),
		Mode:         domain.ModeExecute,
		MaxRounds:    e.cfg.Agent.ExecuteMaxRounds,
		Model:        e.cfg.ModelFor(false),
		RunID:        run.RunID,
		TaskID:       item.ID,
		Role:         run.Role,
	})
	if err != nil {
		var exhausted *agent.ExhaustedError
		if errors.As(err, &exhausted) {
			out.Usage, out.Cost = exhausted.Usage, exhausted.Cost
		}
		e.fail(item, err.Error(), log)
		return "", snap
	}
	out.AgentRunID, out.Usage, out.Cost = res.ID, res.Usage, res.Cost

	changed, err := snap.Changed(ctx)
	if err != nil {
		e.fail(item, fmt.Sprintf("listing changed files: %v", err), log)
		return res.Output, snap
	}

	var notes []string
	var disallowed []string
	for _, f := range changed {
		if !item.AllowsFile(f) {
			disallowed = append(disallowed, f)
		}
	}
	if len(disallowed) > 0 {
		notes = append(notes, "Disallowed file changes detected: "+strings.Join(disallowed, ", "))
	}

	diags, err := e.analyzer.Diagnostics(ctx, root)
	if err != nil {
		notes = append(notes, fmt.Sprintf("Type check could not run: %v", err))
	} else if len(diags) > 0 {
		notes = append(notes, fmt.Sprintf("TypeScript errors: %d", len(diags)))
	}

	if checkAPI {
		after, err := e.fingerprint(ctx, root, item.Files)
		switch {
		case err != nil:
			notes = append(notes, fmt.Sprintf("Outline failed: %v", err))
		case after != before:
			notes = append(notes, NoteAPIChanged)
		}
	}

	now := e.now().UTC()
	if len(notes) > 0 {
		reverted := true
		if err := snap.Revert(ctx, changed); err != nil {
			reverted = false
			notes = append(notes, fmt.Sprintf("Revert failed: %v", err))
			log.Error("reverting task changes failed", zap.Error(err))
		}
		if len(diags) > maxReportedDiagnostics {
			diags = diags[:maxReportedDiagnostics]
		}
		item.Status = domain.StatusFailed
		item.CompletedAt = &now
		item.Verification = &domain.Verification{OK: false, Notes: notes, TSErrors: diags}
		item.Reverted = domain.BoolPtr(reverted)
		item.LastError = "Verification failed: " + strings.Join(notes, "; ")
		item.AddLog(now, domain.LogError, item.LastError)
		log.Warn("verification failed",
			zap.Strings("notes", notes),
			zap.Strings("changed_files", changed),
			zap.Bool("reverted", reverted))
		return res.Output, snap
	}

	item.Status = domain.StatusDone
	item.CompletedAt = &now
	item.ChangedFiles = changed
	if item.ChangedFiles == nil {
		item.ChangedFiles = []string{}
	}
	item.Verification = &domain.Verification{OK: true, Notes: []string{NoteTypeCheckPassed, NoteScopeOK}}
	item.Reverted = domain.BoolPtr(false)
	item.AddLog(now, domain.LogInfo, res.Output)
	return res.Output, snap
}

// fail marks item FAILED without touching the working tree
func (e *Executor) fail(item *domain.TaskItem, msg string, log *zap.Logger) {
	now := e.now().UTC()
	item.Status = domain.StatusFailed
	item.CompletedAt = &now
	item.LastError = msg
	item.AddLog(now, domain.LogError, msg)
	log.Error("task failed", zap.String("error", msg))
}

func (e *Executor) fingerprint(ctx context.Context, root string, files []string) (string, error) {
	symbols, err := e.analyzer.ExportedOutline(ctx, root, files)
	if err != nil {
		return "", err
	}
	return analysis.Fingerprint(symbols), nil
}

func (e *Executor) syncRun(syncer *sync.Syncer, run *domain.TaskRun, log *zap.Logger) {
	if err := syncer.SyncRun(run); err != nil {
		log.Warn("syncing run failed", zap.Error(err))
	}
}

func (e *Executor) notify(run *domain.TaskRun, item *domain.TaskItem, log *zap.Logger) {
	if err := e.notifier.Send(notify.TaskFinished(run.RunID, *item, run.Status)); err != nil {
		log.Warn("sending notification failed", zap.Error(err))
	}
}

// ResetTask moves a FAILED or SKIPPED item back to PENDING so the next
// ExecuteNext call picks it up again. A failed run becomes approved once no
// failed item is left.
func (e *Executor) ResetTask(projectRoot, runID, taskID string) (*domain.TaskRun, error) {
	root, err := e.resolveRoot(projectRoot)
	if err != nil {
		return nil, err
	}
	store := taskstore.ForProject(e.cfg, root, e.logger)
	run, err := e.updateLocked(store, runID, func(r *domain.TaskRun) error {
		if r.Status == domain.RunDraft {
			return fmt.Errorf("%w: run %s is a draft", ErrNotResettable, runID)
		}
		t := findTask(r, taskID, domain.StatusFailed, domain.StatusSkipped)
		if t == nil {
			return fmt.Errorf("%w: task %s not found in run %s", ErrNotResettable, taskID, runID)
		}
		if t.Status != domain.StatusFailed && t.Status != domain.StatusSkipped {
			return fmt.Errorf("%w: task %s is %s", ErrNotResettable, taskID, t.Status)
		}
		t.Status = domain.StatusPending
		t.AddLog(e.now().UTC(), domain.LogInfo, "reset to PENDING")
		r.RecomputeStatus()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.syncRun(sync.New(store, e.index, e.logger), run, e.logger)
	e.logger.Info("task reset", zap.String("run_id", runID), zap.String("task_id", taskID))
	return run, nil
}

// SkipTask marks a PENDING or FAILED item SKIPPED. Skipped items are never
// executed and keep the run from completing.
func (e *Executor) SkipTask(projectRoot, runID, taskID string) (*domain.TaskRun, error) {
	root, err := e.resolveRoot(projectRoot)
	if err != nil {
		return nil, err
	}
	store := taskstore.ForProject(e.cfg, root, e.logger)
	run, err := e.updateLocked(store, runID, func(r *domain.TaskRun) error {
		t := findTask(r, taskID, domain.StatusPending, domain.StatusFailed)
		if t == nil {
			return fmt.Errorf("%w: task %s not found in run %s", ErrNotResettable, taskID, runID)
		}
		if t.Status != domain.StatusPending && t.Status != domain.StatusFailed {
			return fmt.Errorf("%w: task %s is %s", ErrNotResettable, taskID, t.Status)
		}
		t.Status = domain.StatusSkipped
		t.AddLog(e.now().UTC(), domain.LogInfo, "skipped")
		if r.Status != domain.RunDraft {
			r.RecomputeStatus()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.syncRun(sync.New(store, e.index, e.logger), run, e.logger)
	return run, nil
}

// findTask returns the first item with id whose status is one of eligible.
// Without such an item it falls back to the first item with id, or nil.
func findTask(r *domain.TaskRun, id string, eligible ...domain.TaskStatus) *domain.TaskItem {
	for i := range r.Tasks {
		if r.Tasks[i].ID == id && slices.Contains(eligible, r.Tasks[i].Status) {
			return &r.Tasks[i]
		}
	}
	return r.Task(id)
}

// updateLocked applies fn while holding the run lock, so it never races an
// execution in progress. The lock is cleared in the same save.
func (e *Executor) updateLocked(store *taskstore.FileStore, runID string, fn func(*domain.TaskRun) error) (*domain.TaskRun, error) {
	token, err := store.Acquire(runID)
	if err != nil {
		return nil, err
	}
	run, err := store.Update(runID, token, func(r *domain.TaskRun) error {
		if err := fn(r); err != nil {
			return err
		}
		r.Lock = nil
		return nil
	})
	if err != nil {
		if rerr := store.Release(runID, token); rerr != nil {
			e.logger.Warn("releasing run lock failed", zap.String("run_id", runID), zap.Error(rerr))
		}
		return nil, err
	}
	return run, nil
}

func (e *Executor) resolveRoot(projectRoot string) (string, error) {
	root, err := e.cfg.ResolveProjectRoot(projectRoot)
	if err != nil {
		return "", fmt.Errorf("resolving project root: %w", err)
	}
	return tools.ResolveRoot(root)
}
