package observer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type changes struct {
	mu    sync.Mutex
	calls map[string][]string
	ch    chan struct{}
}

func newChanges() *changes {
	return &changes{calls: make(map[string][]string), ch: make(chan struct{}, 16)}
}

func (c *changes) record(projectRoot string, runIDs []string) {
	c.mu.Lock()
	c.calls[projectRoot] = append(c.calls[projectRoot], runIDs...)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *changes) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change callback")
	}
}

func TestStateWatcher_ReportsRunIDs(t *testing.T) {
	root := t.TempDir()
	got := newChanges()

	sw, err := NewStateWatcher(got.record, nil)
	if err != nil {
		t.Fatal(err)
	}
	sw.SetDebounce(20 * time.Millisecond)
	if err := sw.AddProject(root, ""); err != nil {
		t.Fatal(err)
	}
	sw.Start(context.Background())
	defer sw.Stop()

	dir := filepath.Join(root, "docs", "plans")
	for name, content := range map[string]string{
		"abc.tasks.json":         "{}",
		"abc.tasks.md":           "# Task Plan",
		"def.tasks.json":         "{}",
		"notes.md":               "ignored",
		"abc.tasks.json.tmp-1-x": "ignored",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	got.wait(t)

	// Let any trailing events settle into a second flush
	time.Sleep(100 * time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	ids := map[string]bool{}
	for _, id := range got.calls[root] {
		ids[id] = true
	}
	if len(ids) != 2 || !ids["abc"] || !ids["def"] {
		t.Errorf("reported run ids = %v, want abc and def", got.calls[root])
	}
}

func TestStateWatcher_AddRemoveProject(t *testing.T) {
	root := t.TempDir()
	sw, err := NewStateWatcher(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sw.Stop()

	if err := sw.AddProject(root, "plans"); err != nil {
		t.Fatal(err)
	}
	if err := sw.AddProject(root, "plans"); err != nil {
		t.Fatalf("second AddProject() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "plans")); err != nil {
		t.Errorf("plans directory not created: %v", err)
	}
	if got := sw.Projects(); len(got) != 1 || got[0] != root {
		t.Errorf("Projects() = %v, want [%s]", got, root)
	}

	sw.RemoveProject(root, "plans")
	if got := sw.Projects(); len(got) != 0 {
		t.Errorf("Projects() after remove = %v", got)
	}
}

func TestRunIDFromFile(t *testing.T) {
	tests := []struct {
		name   string
		wantID string
		wantOK bool
	}{
		{"/p/docs/plans/abc123.tasks.json", "abc123", true},
		{"/p/docs/plans/abc123.tasks.md", "abc123", true},
		{"/p/docs/plans/abc123.tasks.json.guard", "", false},
		{"/p/docs/plans/README.md", "", false},
		{"/p/docs/plans/.tasks.json", "", false},
	}
	for _, tt := range tests {
		id, ok := runIDFromFile(tt.name)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("runIDFromFile(%q) = %q, %v; want %q, %v", tt.name, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
