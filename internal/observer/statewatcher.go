package observer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
)

// RunChangeCallback is called with the ids of runs whose state or plan
// document changed in one project's plans directory
type RunChangeCallback func(projectRoot string, runIDs []string)

// StateWatcher monitors plans directories for run state and plan document changes
type StateWatcher struct {
	watcher  *fsnotify.Watcher
	callback RunChangeCallback
	debounce time.Duration
	logger   *zap.Logger

	// plans directory -> project root
	projects map[string]string

	// Debounce state - track by project
	pendingByProject map[string]map[string]struct{}
	timer            *time.Timer
	mu               sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStateWatcher creates a new watcher for run state files
func NewStateWatcher(callback RunChangeCallback, logger *zap.Logger) (*StateWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &StateWatcher{
		watcher:          watcher,
		callback:         callback,
		debounce:         250 * time.Millisecond,
		logger:           logging.OrNop(logger),
		projects:         make(map[string]string),
		pendingByProject: make(map[string]map[string]struct{}),
	}, nil
}

// AddProject starts watching a project's plans directory, creating it if needed
func (sw *StateWatcher) AddProject(projectRoot, plansDir string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	dir := taskstore.PlansDir(projectRoot, plansDir)
	if _, exists := sw.projects[dir]; exists {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := sw.watcher.Add(dir); err != nil {
		return err
	}
	sw.projects[dir] = projectRoot
	return nil
}

// RemoveProject stops watching a project
func (sw *StateWatcher) RemoveProject(projectRoot, plansDir string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	dir := taskstore.PlansDir(projectRoot, plansDir)
	if _, exists := sw.projects[dir]; !exists {
		return
	}
	sw.watcher.Remove(dir)
	delete(sw.projects, dir)
	delete(sw.pendingByProject, projectRoot)
}

// Projects returns the watched project roots
func (sw *StateWatcher) Projects() []string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := make([]string, 0, len(sw.projects))
	for _, root := range sw.projects {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// Start begins watching for file changes
func (sw *StateWatcher) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.done = make(chan struct{})

	go func() {
		defer close(sw.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sw.watcher.Events:
				if !ok {
					return
				}
				sw.handleEvent(event)
			case err, ok := <-sw.watcher.Errors:
				if !ok {
					return
				}
				sw.logger.Warn("state watcher error", zap.Error(err))
			}
		}
	}()
}

// Stop stops watching and waits for the event loop to exit
func (sw *StateWatcher) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	sw.watcher.Close()
	if sw.done != nil {
		<-sw.done
	}

	sw.mu.Lock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.mu.Unlock()
}

// runIDFromFile returns the run id of a state or plan file name
func runIDFromFile(name string) (string, bool) {
	base := filepath.Base(name)
	for _, suffix := range []string{taskstore.StateSuffix, taskstore.PlanSuffix} {
		if id, ok := strings.CutSuffix(base, suffix); ok && taskstore.ValidRunID(id) {
			return id, true
		}
	}
	return "", false
}

func (sw *StateWatcher) handleEvent(event fsnotify.Event) {
	// Atomic saves show up as a create of the final name
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
		return
	}
	runID, ok := runIDFromFile(event.Name)
	if !ok {
		return
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	projectRoot, ok := sw.projects[filepath.Dir(event.Name)]
	if !ok {
		return
	}

	if sw.pendingByProject[projectRoot] == nil {
		sw.pendingByProject[projectRoot] = make(map[string]struct{})
	}
	sw.pendingByProject[projectRoot][runID] = struct{}{}

	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.debounce, sw.flush)
}

func (sw *StateWatcher) flush() {
	sw.mu.Lock()
	pending := sw.pendingByProject
	sw.pendingByProject = make(map[string]map[string]struct{})
	sw.mu.Unlock()

	if sw.callback == nil {
		return
	}

	for projectRoot, ids := range pending {
		runIDs := make([]string, 0, len(ids))
		for id := range ids {
			runIDs = append(runIDs, id)
		}
		sort.Strings(runIDs)
		if len(runIDs) > 0 {
			sw.callback(projectRoot, runIDs)
		}
	}
}

// SetDebounce sets the debounce duration for batching file changes
func (sw *StateWatcher) SetDebounce(d time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.debounce = d
}
