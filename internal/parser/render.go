package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// MaxPlanLog is the longest log excerpt appended to a plan document
const MaxPlanLog = 2000

// RenderTaskBlock renders an item in the block format CompilePlan reads
func RenderTaskBlock(item domain.TaskItem) string {
	var sb strings.Builder
	sb.WriteString("## Task\n")
	fmt.Fprintf(&sb, "Id: %s\n", item.ID)
	fmt.Fprintf(&sb, "Title: %s\n", item.Title)
	fmt.Fprintf(&sb, "Status: %s\n", item.Status)
	sb.WriteString("Files:\n")
	for _, f := range item.Files {
		fmt.Fprintf(&sb, "- %s\n", f)
	}
	sb.WriteString("\nDescription:\n")
	sb.WriteString(item.Description)
	sb.WriteString("\n")
	return sb.String()
}

// RenderPlanDocument renders the markdown plan document for a run
func RenderPlanDocument(run *domain.TaskRun, source string) string {
	var sb strings.Builder
	sb.WriteString("# Task Plan\n")
	fmt.Fprintf(&sb, "RunId: %s\n", run.RunID)
	fmt.Fprintf(&sb, "Role: %s\n", run.Role)
	fmt.Fprintf(&sb, "ProjectRoot: %s\n", run.ProjectRoot)
	fmt.Fprintf(&sb, "TaskPath: %s\n", run.TaskPath)
	fmt.Fprintf(&sb, "CreatedAt: %s\n", run.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "\n## Tasks (%d)\n", len(run.Tasks))
	for _, t := range run.Tasks {
		box := " "
		if t.Status == domain.StatusDone {
			box = "x"
		}
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", box, t.ID, t.Title)
	}
	sb.WriteString("\n---\n\n")
	for _, t := range run.Tasks {
		sb.WriteString(RenderTaskBlock(t))
		sb.WriteString("\n")
	}
	sb.WriteString("---\n\n## Source Task File\n")
	sb.WriteString(strings.TrimSpace(source))
	sb.WriteString("\n")
	return sb.String()
}

// MarkTaskDone sets the Status line of the block with the given id to DONE,
// ticks its checklist entry and appends a log excerpt.
func MarkTaskDone(md, id, log string, now time.Time) string {
	lines := strings.Split(strings.ReplaceAll(md, "\r\n", "\n"), "\n")
	idLine := "Id: " + id
	inTask := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == fmt.Sprintf("- [ ] %s:", id) || strings.HasPrefix(trimmed, fmt.Sprintf("- [ ] %s: ", id)) {
			lines[i] = strings.Replace(line, "- [ ]", "- [x]", 1)
			continue
		}
		if taskHeadingRegex.MatchString(trimmed) {
			inTask = i+1 < len(lines) && strings.TrimSpace(lines[i+1]) == idLine
			continue
		}
		if inTask && strings.HasPrefix(trimmed, "Status:") {
			lines[i] = "Status: DONE"
			inTask = false
		}
	}

	excerpt := domain.Truncate(log, MaxPlanLog)
	return fmt.Sprintf("%s\n\n---\nLog (%s):\n\n%s\n",
		strings.TrimRight(strings.Join(lines, "\n"), "\n"), now.UTC().Format(time.RFC3339), excerpt)
}

// sourceHeading separates the rendered blocks from the embedded source document
const sourceHeading = "## Source Task File"

// PlanStatuses reads the Status line of every block rendered in a plan
// document. The embedded source document is ignored.
func PlanStatuses(md string) map[string]domain.TaskStatus {
	head := strings.ReplaceAll(md, "\r\n", "\n")
	if i := strings.Index(head, "\n"+sourceHeading); i >= 0 {
		head = head[:i]
	}
	statuses := make(map[string]domain.TaskStatus)
	for _, b := range scanBlocks(head) {
		if b.id != "" {
			statuses[b.id] = domain.ParseTaskStatus(strings.ToUpper(b.status))
		}
	}
	return statuses
}

// SetTaskStatuses rewrites the Status lines and checklist boxes of a plan
// document from the given item statuses. The embedded source is left alone.
func SetTaskStatuses(md string, statuses map[string]domain.TaskStatus) string {
	md = strings.ReplaceAll(md, "\r\n", "\n")
	head, tail := md, ""
	if i := strings.Index(md, "\n"+sourceHeading); i >= 0 {
		head, tail = md[:i], md[i:]
	}

	lines := strings.Split(head, "\n")
	current := ""
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := checklistRegex.FindStringSubmatch(trimmed); m != nil {
			if st, ok := statuses[m[2]]; ok {
				box := "[ ]"
				if st == domain.StatusDone {
					box = "[x]"
				}
				lines[i] = strings.Replace(line, m[1], box, 1)
			}
			continue
		}
		if taskHeadingRegex.MatchString(trimmed) {
			current = ""
			continue
		}
		if strings.HasPrefix(trimmed, "Id:") && current == "" {
			current = strings.TrimSpace(strings.TrimPrefix(trimmed, "Id:"))
			continue
		}
		if current != "" && strings.HasPrefix(trimmed, "Status:") {
			if st, ok := statuses[current]; ok {
				lines[i] = "Status: " + string(st)
			}
			current = ""
		}
	}
	return strings.Join(lines, "\n") + tail
}

var checklistRegex = regexp.MustCompile(`^- (\[[ xX]\]) ([^:]+):`)
