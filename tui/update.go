package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/executor"
)

// ActionDoneMsg is sent when an execute, reset or skip action completes
type ActionDoneMsg struct {
	Text string
	Err  error
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.loadCmd(), tickCmd(m.refresh))

	case RunsLoadedMsg:
		if msg.Err != nil {
			m.statusMsg, m.statusErr = "Refresh failed: "+msg.Err.Error(), true
			return m, nil
		}
		m.setRuns(msg.Runs)

	case ActionDoneMsg:
		m.busy = false
		if msg.Err != nil {
			m.statusMsg, m.statusErr = "Error: "+msg.Err.Error(), true
		} else {
			m.statusMsg, m.statusErr = msg.Text, false
		}
		return m, m.loadCmd()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		return m, m.loadCmd()
	case "tab":
		m.activeTab = (m.activeTab + 1) % tabCount
		m.logScroll = 0
	case "esc":
		m.activeTab = TabRuns
		m.logScroll = 0
	case "enter":
		switch m.activeTab {
		case TabRuns:
			if m.SelectedRun() != nil {
				m.activeTab = TabTasks
				m.selectedTask = 0
			}
		case TabTasks:
			if m.SelectedTask() != nil {
				m.activeTab = TabLogs
				m.logScroll = 0
			}
		}
	case "j", "down":
		m.moveSelection(1)
	case "k", "up":
		m.moveSelection(-1)
	case "x":
		return m.startExecute()
	case "R":
		return m.startTaskAction("reset", m.reset)
	case "s":
		return m.startTaskAction("skip", m.skip)
	}
	return m, nil
}

func (m *Model) moveSelection(delta int) {
	switch m.activeTab {
	case TabRuns:
		m.selectedRun = clamp(m.selectedRun+delta, len(m.runs))
		m.selectedTask = 0
	case TabTasks:
		if run := m.SelectedRun(); run != nil {
			m.selectedTask = clamp(m.selectedTask+delta, len(run.Tasks))
		}
	case TabLogs:
		if task := m.SelectedTask(); task != nil {
			m.logScroll = clamp(m.logScroll+delta, len(task.Logs))
		}
	}
}

func clamp(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func (m Model) startExecute() (tea.Model, tea.Cmd) {
	run := m.SelectedRun()
	if m.busy || m.execute == nil || run == nil {
		return m, nil
	}
	if !run.Status.Executable() {
		m.statusMsg, m.statusErr = fmt.Sprintf("Run %s is %s and cannot be executed", run.RunID, run.Status), true
		return m, nil
	}
	m.busy = true
	m.statusMsg, m.statusErr = fmt.Sprintf("Executing next task of %s...", run.RunID), false
	execute, runID := m.execute, run.RunID
	return m, func() tea.Msg {
		out, err := execute(context.Background(), runID)
		if err != nil {
			return ActionDoneMsg{Err: err}
		}
		return ActionDoneMsg{Text: describeOutcome(out)}
	}
}

func (m Model) startTaskAction(name string, fn TaskFunc) (tea.Model, tea.Cmd) {
	task := m.SelectedTask()
	if m.busy || fn == nil || task == nil || m.activeTab == TabRuns {
		return m, nil
	}
	m.busy = true
	runID, taskID := m.SelectedRun().RunID, task.ID
	return m, func() tea.Msg {
		run, err := fn(runID, taskID)
		if err != nil {
			return ActionDoneMsg{Err: err}
		}
		return ActionDoneMsg{Text: fmt.Sprintf("%s %s/%s: run is %s", name, runID, taskID, run.Status)}
	}
}

func describeOutcome(out *executor.Outcome) string {
	switch out.Kind {
	case executor.KindConflict:
		return "Run is locked: " + out.Error
	case executor.KindNoPending:
		return fmt.Sprintf("No pending task, run is %s", out.RunStatus)
	case executor.KindInterrupted:
		return fmt.Sprintf("Task %s was interrupted and marked %s", out.TaskID, out.Status)
	}
	if out.OK {
		return fmt.Sprintf("Task %s done (%d files changed)", out.TaskID, len(out.ChangedFiles))
	}
	if out.Reverted {
		return fmt.Sprintf("Task %s failed verification, changes reverted: %s", out.TaskID, strings.Join(out.Notes, "; "))
	}
	return fmt.Sprintf("Task %s failed: %s", out.TaskID, out.Error)
}
