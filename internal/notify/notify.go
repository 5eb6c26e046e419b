package notify

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
	TaskID  string // Optional task reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromConfig builds the notifier described by the [notifications] section.
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var notifiers []Notifier
	if cfg.Desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(notifiers...)
}

// TaskFinished describes the outcome of one executed task.
func TaskFinished(runID string, item domain.TaskItem, runStatus domain.RunStatus) Notification {
	n := Notification{
		RunID:  runID,
		TaskID: item.ID,
	}
	switch item.Status {
	case domain.StatusDone:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("Task %s done", item.ID)
		n.Message = item.Title
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Task %s failed", item.ID)
		n.Message = item.Title
		if item.Verification != nil && len(item.Verification.Notes) > 0 {
			n.Message += ": " + strings.Join(item.Verification.Notes, "; ")
		} else if item.LastError != "" {
			n.Message += ": " + item.LastError
		}
	}
	if runStatus == domain.RunDone {
		n.Message += " (run complete)"
	}
	return n
}
