package batch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},   // 10 PM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},  // every 5 minutes
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestBatchConfig_Validate(t *testing.T) {
	cfg := BatchConfig{
		Name: "janitor",
		Cron: "*/5 * * * *",
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Valid config should not error: %v", err)
	}
	if len(cfg.Jobs) != len(AllJobs) {
		t.Errorf("Jobs = %v, want all jobs by default", cfg.Jobs)
	}
	if cfg.StuckMinutes != 30 {
		t.Errorf("StuckMinutes = %d, want 30", cfg.StuckMinutes)
	}

	bad := cfg
	bad.Jobs = []string{"vacuum"}
	if err := bad.Validate(); err == nil {
		t.Error("Unknown job should error")
	}

	cfg.Name = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Empty name should error")
	}
}

func TestDefaultBatches(t *testing.T) {
	cfg := config.Default()
	cfg.General.ProjectRoot = "/repo"

	batches := DefaultBatches(cfg)
	if len(batches) != 1 {
		t.Fatalf("len(DefaultBatches) = %d, want 1", len(batches))
	}
	if batches[0].Cron != cfg.Maintenance.Cron || batches[0].Projects[0] != "/repo" {
		t.Errorf("DefaultBatches() = %+v", batches[0])
	}

	cfg.Maintenance.Cron = ""
	if got := DefaultBatches(cfg); got != nil {
		t.Errorf("DefaultBatches() with no cron = %v, want nil", got)
	}
}

func TestBatchScheduler_NextRun(t *testing.T) {
	cfg := BatchConfig{
		Name: "test",
		Cron: "0 22 * * *", // 10 PM daily
	}

	sched, err := NewScheduler([]BatchConfig{cfg}, nil)
	if err != nil {
		t.Fatal(err)
	}

	next := sched.NextRun("test")
	if next.IsZero() {
		t.Error("NextRun should return a time")
	}

	// Should be in the future
	if !next.After(time.Now()) {
		t.Error("NextRun should be in the future")
	}
}

func TestBatchScheduler_ShouldRun(t *testing.T) {
	cfg := BatchConfig{
		Name: "test",
		Cron: "* * * * *", // Every minute
	}

	sched, err := NewScheduler([]BatchConfig{cfg}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if sched.ShouldRun("test") {
		t.Error("Should not run right after startup")
	}

	// Mark as last run two minutes ago
	sched.lastRun["test"] = time.Now().Add(-2 * time.Minute)

	if !sched.ShouldRun("test") {
		t.Error("Should run after cron interval passed")
	}

	sched.MarkRunning("test")
	if sched.ShouldRun("test") {
		t.Error("Should not run while running")
	}
	sched.MarkComplete("test")
	if sched.ShouldRun("test") {
		t.Error("Should not run right after completing")
	}
}

func TestBatchScheduler_StartDispatchesDueBatches(t *testing.T) {
	sched, err := NewScheduler([]BatchConfig{{Name: "a", Cron: "* * * * *"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sched.tick = 10 * time.Millisecond
	sched.lastRun["a"] = time.Now().Add(-2 * time.Minute)

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		sched.Start(context.Background(), func(ctx context.Context, c BatchConfig) error {
			runs.Add(1)
			return nil
		})
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sched.Stop()
	sched.Stop()
	<-done

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 (the next slot is a minute away)", got)
	}
	if names := sched.ListBatches(); len(names) != 1 || names[0] != "a" {
		t.Errorf("ListBatches() = %v", names)
	}
}
