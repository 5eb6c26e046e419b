// Package parser compiles task documents into task items and renders the
// markdown plan document that accompanies every run.
package parser

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

var (
	taskHeadingRegex = regexp.MustCompile(`^##\s+Task\b`)
	keyLineRegex     = regexp.MustCompile(`^(?i)(id|title|status):\s*(.*)$`)
	filesRegex       = regexp.MustCompile(`^(?i)files:\s*$`)
	descriptionRegex = regexp.MustCompile(`^(?i)description:\s*$`)
)

// Fallback item values used when a document has no task blocks
const (
	FallbackID    = "1"
	FallbackTitle = "Task"
	UntitledTitle = "Untitled task"
)

type section int

const (
	sectionKeys section = iota
	sectionFiles
	sectionDescription
)

// block is one "## Task" block as it is scanned
type block struct {
	id, title, status string
	files             []string
	description       []string
	body              []string // free text outside the key, file and description sections
}

// CompilePlan splits a task document into task items. It never returns zero
// items: a document without task blocks becomes a single fallback item whose
// description is the whole document. Item ids are unique within the result;
// a repeated id gets a "-2", "-3", ... suffix.
func CompilePlan(doc string) []domain.TaskItem {
	body := doc
	if _, rest, err := ParseFrontmatter([]byte(doc)); err == nil {
		body = string(rest)
	}

	var items []domain.TaskItem
	seen := make(map[string]bool)
	for _, b := range scanBlocks(body) {
		if b.id == "" && b.title == "" {
			continue
		}
		item := b.item()
		item.ID = uniqueID(item.ID, seen)
		items = append(items, item)
	}

	if len(items) == 0 {
		items = append(items, domain.TaskItem{
			ID:          FallbackID,
			Title:       FallbackTitle,
			Status:      domain.StatusPending,
			Files:       []string{},
			Description: strings.TrimSpace(doc),
			Logs:        []domain.LogEntry{},
		})
	}
	return items
}

// uniqueID returns id, or id with the first free numeric suffix, and marks
// the result as taken
func uniqueID(id string, seen map[string]bool) string {
	candidate := id
	for n := 2; seen[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d", id, n)
	}
	seen[candidate] = true
	return candidate
}

// HasTaskBlocks reports whether doc contains at least one "## Task" heading
func HasTaskBlocks(doc string) bool {
	for _, line := range strings.Split(doc, "\n") {
		if taskHeadingRegex.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

// scanBlocks splits on newlines directly so that no line length ends the scan early
func scanBlocks(body string) []*block {
	var blocks []*block
	var cur *block
	sec := sectionKeys

	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)

		if taskHeadingRegex.MatchString(trimmed) {
			cur = &block{}
			blocks = append(blocks, cur)
			sec = sectionKeys
			continue
		}
		if cur == nil {
			continue
		}

		if sec == sectionDescription {
			cur.description = append(cur.description, line)
			continue
		}

		switch {
		case descriptionRegex.MatchString(trimmed):
			sec = sectionDescription
		case filesRegex.MatchString(trimmed):
			sec = sectionFiles
		case sec == sectionFiles && strings.HasPrefix(trimmed, "- "):
			if f := domain.NormalizePath(strings.TrimPrefix(trimmed, "- ")); f != "" {
				cur.files = append(cur.files, f)
			}
		default:
			if m := keyLineRegex.FindStringSubmatch(trimmed); m != nil {
				cur.setKey(m[1], strings.TrimSpace(m[2]))
			} else if trimmed != "" {
				cur.body = append(cur.body, line)
			}
		}
	}
	return blocks
}

func (b *block) setKey(key, value string) {
	switch strings.ToLower(key) {
	case "id":
		if b.id == "" {
			b.id = value
		}
	case "title":
		if b.title == "" {
			b.title = value
		}
	case "status":
		if b.status == "" {
			b.status = value
		}
	}
}

func (b *block) item() domain.TaskItem {
	id := b.id
	if id == "" {
		id = randomID()
	}
	title := b.title
	if title == "" {
		title = UntitledTitle
	}
	files := b.files
	if files == nil {
		files = []string{}
	}
	// An item always tells the executor what to do
	description := strings.TrimSpace(strings.Join(b.description, "\n"))
	if description == "" {
		description = strings.TrimSpace(strings.Join(b.body, "\n"))
	}
	if description == "" {
		description = title
	}
	return domain.TaskItem{
		ID:          id,
		Title:       title,
		Status:      domain.ParseTaskStatus(strings.ToUpper(b.status)),
		Files:       files,
		Description: description,
		Logs:        []domain.LogEntry{},
	}
}

// randomID returns six hex characters
func randomID() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "000000"
	}
	return hex.EncodeToString(buf)
}
