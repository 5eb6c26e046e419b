package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/executor"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/observer"
)

// Tabs
const (
	TabRuns = iota
	TabTasks
	TabLogs
	tabCount
)

const defaultRefresh = 2 * time.Second

// LoadFunc returns the runs of the project
type LoadFunc func() ([]*domain.TaskRun, error)

// ExecuteFunc advances a run by one task item
type ExecuteFunc func(ctx context.Context, runID string) (*executor.Outcome, error)

// TaskFunc changes the state of one task item
type TaskFunc func(runID, taskID string) (*domain.TaskRun, error)

// Model is the TUI application model
type Model struct {
	// Data
	runs        []*domain.TaskRun
	stuck       []observer.StuckTask
	projectRoot string

	// Actions
	load     LoadFunc
	execute  ExecuteFunc
	reset    TaskFunc
	skip     TaskFunc
	observer *observer.Observer

	// UI state
	width        int
	height       int
	activeTab    int
	selectedRun  int
	selectedTask int
	logScroll    int
	busy         bool
	statusMsg    string
	statusErr    bool

	// Refresh
	refresh     time.Duration
	lastRefresh time.Time
	now         func() time.Time
}

// ModelConfig holds initial data and actions for the TUI model. Every
// action is optional.
type ModelConfig struct {
	ProjectRoot     string
	Runs            []*domain.TaskRun
	Load            LoadFunc
	Execute         ExecuteFunc
	Reset           TaskFunc
	Skip            TaskFunc
	StuckThreshold  time.Duration
	RefreshInterval time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	threshold := cfg.StuckThreshold
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	m := Model{
		projectRoot: cfg.ProjectRoot,
		load:        cfg.Load,
		execute:     cfg.Execute,
		reset:       cfg.Reset,
		skip:        cfg.Skip,
		observer:    observer.New(threshold),
		refresh:     refresh,
		now:         time.Now,
	}
	m.setRuns(cfg.Runs)
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadCmd(),
		tickCmd(m.refresh),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// RunsLoadedMsg carries a fresh copy of the runs
type RunsLoadedMsg struct {
	Runs []*domain.TaskRun
	Err  error
}

func (m Model) loadCmd() tea.Cmd {
	if m.load == nil {
		return nil
	}
	load := m.load
	return func() tea.Msg {
		runs, err := load()
		return RunsLoadedMsg{Runs: runs, Err: err}
	}
}

// setRuns replaces the runs and keeps the selection on the same run
func (m *Model) setRuns(runs []*domain.TaskRun) {
	var selectedID string
	if run := m.SelectedRun(); run != nil {
		selectedID = run.RunID
	}
	m.runs = runs
	m.selectedRun = 0
	for i, run := range runs {
		if run.RunID == selectedID {
			m.selectedRun = i
			break
		}
	}
	if run := m.SelectedRun(); run != nil && m.selectedTask >= len(run.Tasks) {
		m.selectedTask = max(0, len(run.Tasks)-1)
	}
	m.stuck = m.observer.StuckTasks(runs, m.now())
	m.lastRefresh = m.now()
}

// SelectedRun returns the highlighted run, or nil
func (m Model) SelectedRun() *domain.TaskRun {
	if m.selectedRun < 0 || m.selectedRun >= len(m.runs) {
		return nil
	}
	return m.runs[m.selectedRun]
}

// SelectedTask returns the highlighted task item of the selected run, or nil
func (m Model) SelectedTask() *domain.TaskItem {
	run := m.SelectedRun()
	if run == nil || m.selectedTask < 0 || m.selectedTask >= len(run.Tasks) {
		return nil
	}
	return &run.Tasks[m.selectedTask]
}

// ActiveTab returns the index of the visible tab
func (m Model) ActiveTab() int {
	return m.activeTab
}

// StatusMessage returns the last action result shown in the status line
func (m Model) StatusMessage() string {
	return m.statusMsg
}
