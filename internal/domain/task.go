package domain

import (
	"strings"
	"time"
)

// TaskItem is one atomically executable unit of work within a run
type TaskItem struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Status       TaskStatus    `json:"status"`
	Files        []string      `json:"files"`
	Description  string        `json:"description"`
	Attempts     int           `json:"attempts"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
	Logs         []LogEntry    `json:"logs"`
	ChangedFiles []string      `json:"changedFiles,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
	Reverted     *bool         `json:"reverted,omitempty"`
}

// LogEntry is a timestamped message attached to a task item
type LogEntry struct {
	At      time.Time `json:"at"`
	Type    LogType   `json:"type"`
	Message string    `json:"message"`
}

// Verification records the outcome of the post-execution gate
type Verification struct {
	OK       bool         `json:"ok"`
	Notes    []string     `json:"notes,omitempty"`
	TSErrors []Diagnostic `json:"tsErrors,omitempty"`
}

// Diagnostic is a single type-check finding
type Diagnostic struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AddLog appends a log entry, truncating long messages
func (t *TaskItem) AddLog(at time.Time, typ LogType, message string) {
	t.Logs = append(t.Logs, LogEntry{At: at, Type: typ, Message: Truncate(message, MaxLogMessage)})
}

// AllowsAPIChanges returns true if the description carries the opt-in marker
func (t *TaskItem) AllowsAPIChanges() bool {
	return strings.Contains(t.Description, AllowAPIChangesMarker)
}

// AllowsFile returns true if rel is in the item's allow-list
func (t *TaskItem) AllowsFile(rel string) bool {
	rel = NormalizePath(rel)
	for _, f := range t.Files {
		if NormalizePath(f) == rel {
			return true
		}
	}
	return false
}

// NormalizePath converts a repository-relative path to slash form without a leading "./"
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}

// Truncate shortens s to at most n bytes
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BoolPtr returns a pointer to v
func BoolPtr(v bool) *bool {
	return &v
}
