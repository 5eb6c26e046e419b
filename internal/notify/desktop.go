package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const desktopTimeout = 5 * time.Second

// DesktopNotifier shows item outcomes through osascript on macOS and
// notify-send on Linux. Other platforms are silently skipped.
type DesktopNotifier struct {
	enabled bool
	goos    string
	run     func(ctx context.Context, name string, args ...string) error
}

// NewDesktopNotifier creates a desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		goos:    runtime.GOOS,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args := d.command(n)
	if name == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), desktopTimeout)
	defer cancel()
	return d.run(ctx, name, args...)
}

// command returns the program and arguments that display n
func (d *DesktopNotifier) command(n Notification) (string, []string) {
	title := n.Title
	if n.RunID != "" {
		title += " [" + n.RunID + "]"
	}
	switch d.goos {
	case "darwin":
		script := "display notification " + appleScriptString(n.Message) +
			" with title " + appleScriptString(title)
		return "osascript", []string{"-e", script}
	case "linux":
		args := []string{"--app-name=task-orch", "--icon=" + IconForType(n.Type)}
		if n.Type == NotifyError {
			args = append(args, "--urgency=critical")
		}
		return "notify-send", append(args, title, n.Message)
	}
	return "", nil
}

// appleScriptString quotes s as an AppleScript string literal
func appleScriptString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// IconForType returns the freedesktop icon name of a notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	}
	return "dialog-information"
}
