package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("238"))

	completedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	inProgressStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))
)

var tabNames = []string{"Runs", "Tasks", "Logs"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	var running, done, total int
	for _, run := range m.runs {
		if run.Status == domain.RunRunning {
			running++
		}
		c := run.Counts()
		done += c.Done
		total += c.Total
	}
	header := fmt.Sprintf(" Task Orchestrator │ Runs: %d │ Running: %d │ Tasks done: %d/%d │ Stuck: %d ",
		len(m.runs), running, done, total, len(m.stuck))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var content string
	switch m.activeTab {
	case TabRuns:
		content = m.renderRuns()
	case TabTasks:
		content = m.renderTasks()
	case TabLogs:
		content = m.renderLogs()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(content))
	b.WriteString("\n")

	if len(m.stuck) > 0 && m.activeTab == TabRuns {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderStuck()))
		b.WriteString("\n")
	}

	if m.statusMsg != "" {
		style := completedStyle
		if m.statusErr {
			style = warningStyle
		}
		if m.busy {
			style = inProgressStyle
		}
		b.WriteString(style.Width(m.width).Render(" " + m.statusMsg + " "))
		b.WriteString("\n")
	}

	var hints string
	switch m.activeTab {
	case TabRuns:
		hints = " [tab]switch [j/k]select [enter]tasks [x]execute next [r]efresh [q]uit "
	case TabTasks:
		hints = " [tab]switch [j/k]select [enter]logs [x]execute next [R]eset [s]kip [esc]back [q]uit "
	case TabLogs:
		hints = " [tab]switch [j/k]scroll [esc]back [q]uit "
	}
	if !m.lastRefresh.IsZero() {
		hints += "│ refreshed " + humanize.Time(m.lastRefresh) + " "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(hints))

	return b.String()
}

func (m Model) renderTabs() string {
	var tabs []string
	for i, name := range tabNames {
		if i == m.activeTab {
			tabs = append(tabs, tabActiveStyle.Render(name))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(name))
		}
	}
	return " " + strings.Join(tabs, "  │  ")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	if m.projectRoot != "" {
		b.WriteString(dimmedStyle.Render("  " + m.projectRoot))
	}
	b.WriteString("\n\n")

	if len(m.runs) == 0 {
		b.WriteString(dimmedStyle.Render("No runs yet. Plan a task document to create one."))
		return b.String()
	}

	b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %-18s %-9s %-24s %-10s %-14s %s", "RUN", "STATUS", "PROGRESS", "ROLE", "UPDATED", "TASK")))
	b.WriteString("\n")
	for i, run := range m.runs {
		c := run.Counts()
		updated := run.UpdatedAt
		if updated.IsZero() {
			updated = run.CreatedAt
		}
		lock := " "
		if run.Lock != nil && !run.Lock.Stale(m.now()) {
			lock = "⚿"
		}
		line := fmt.Sprintf("%s %-18s %s %-24s %-10s %-14s %s",
			lock,
			truncate(run.RunID, 18),
			runStatusStyle(run.Status).Render(fmt.Sprintf("%-9s", run.Status)),
			progressBar(c.Done, c.Total, 12)+fmt.Sprintf(" %d/%d", c.Done, c.Total),
			truncate(run.Role, 10),
			humanize.Time(updated),
			truncate(run.TaskPath, max(10, m.width-90)))
		if i == m.selectedRun {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderTasks() string {
	var b strings.Builder
	run := m.SelectedRun()
	if run == nil {
		b.WriteString(dimmedStyle.Render("No run selected"))
		return b.String()
	}

	b.WriteString(titleStyle.Render("TASKS " + run.RunID))
	b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %s │ %s", run.TaskPath, run.Status)))
	b.WriteString("\n\n")

	if len(run.Tasks) == 0 {
		b.WriteString(dimmedStyle.Render("This run has no task items."))
		return b.String()
	}

	for i, t := range run.Tasks {
		files := strings.Join(t.Files, ", ")
		line := fmt.Sprintf("%-8s %s %-40s %s",
			truncate(t.ID, 8),
			taskStatusStyle(t.Status).Render(fmt.Sprintf("%-11s", t.Status)),
			truncate(t.Title, 40),
			dimmedStyle.Render(truncate(files, max(10, m.width-70))))
		if t.Attempts > 1 {
			line += warningStyle.Render(fmt.Sprintf(" (attempt %d)", t.Attempts))
		}
		if i == m.selectedTask {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if i == m.selectedTask && t.LastError != "" {
			b.WriteString(failedStyle.Render("         " + truncate(t.LastError, max(20, m.width-14))))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderLogs() string {
	var b strings.Builder
	task := m.SelectedTask()
	if task == nil {
		b.WriteString(dimmedStyle.Render("No task selected"))
		return b.String()
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("LOGS %s - %s", task.ID, task.Title)))
	b.WriteString("\n")
	if task.StartedAt != nil {
		b.WriteString(dimmedStyle.Render("started " + humanize.Time(*task.StartedAt)))
		if task.CompletedAt != nil {
			b.WriteString(dimmedStyle.Render(", took " + task.CompletedAt.Sub(*task.StartedAt).Round(time.Second).String()))
		}
		b.WriteString("\n")
	}
	if v := task.Verification; v != nil {
		style := completedStyle
		if !v.OK {
			style = failedStyle
		}
		b.WriteString(style.Render("verification: " + strings.Join(v.Notes, "; ")))
		if len(v.TSErrors) > 0 {
			b.WriteString(failedStyle.Render(fmt.Sprintf(" (%d diagnostics)", len(v.TSErrors))))
		}
		b.WriteString("\n")
	}
	if len(task.ChangedFiles) > 0 {
		b.WriteString(dimmedStyle.Render("changed: " + strings.Join(task.ChangedFiles, ", ")))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if len(task.Logs) == 0 {
		b.WriteString(dimmedStyle.Render("No log entries"))
		return b.String()
	}

	maxVisible := m.height - 12
	if maxVisible < 5 {
		maxVisible = 5
	}
	end := min(len(task.Logs), m.logScroll+maxVisible)
	for _, entry := range task.Logs[m.logScroll:end] {
		level := dimmedStyle
		if entry.Type == domain.LogError {
			level = failedStyle
		}
		msg := strings.ReplaceAll(entry.Message, "\n", " ")
		b.WriteString(fmt.Sprintf("%s %s %s\n",
			dimmedStyle.Render(entry.At.Format("15:04:05")),
			level.Render(fmt.Sprintf("%-5s", entry.Type)),
			truncate(msg, max(20, m.width-24))))
	}
	if end < len(task.Logs) {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("... %d more", len(task.Logs)-end)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderStuck() string {
	var b strings.Builder
	b.WriteString(warningStyle.Render(fmt.Sprintf("STUCK (%d)", len(m.stuck))))
	b.WriteString("\n")
	for _, s := range m.stuck {
		b.WriteString(fmt.Sprintf("%s/%s %s %s\n",
			s.RunID, s.TaskID, truncate(s.Title, 40),
			warningStyle.Render("in progress for "+s.Running.Round(time.Second).String())))
	}
	return strings.TrimRight(b.String(), "\n")
}

func runStatusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunDone:
		return completedStyle
	case domain.RunRunning, domain.RunApproved:
		return inProgressStyle
	case domain.RunFailed:
		return failedStyle
	}
	return dimmedStyle
}

func taskStatusStyle(s domain.TaskStatus) lipgloss.Style {
	switch s {
	case domain.StatusDone:
		return completedStyle
	case domain.StatusInProgress:
		return inProgressStyle
	case domain.StatusFailed:
		return failedStyle
	}
	return dimmedStyle
}

// progressBar renders done/total as a fixed-width bar
func progressBar(done, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	filled := done * width / total
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
