package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// Observer tracks task executions and flags items that stay IN_PROGRESS too long
type Observer struct {
	stuckThreshold time.Duration

	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	RunID       string
	TaskID      string
	OK          bool
	Duration    time.Duration
	Usage       domain.Usage
	CostUSD     float64
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted    int           `json:"totalCompleted"`
	TotalFailed       int           `json:"totalFailed"`
	TotalTokensInput  int           `json:"totalTokensInput"`
	TotalTokensOutput int           `json:"totalTokensOutput"`
	TotalCostUSD      float64       `json:"totalCostUsd"`
	AvgDuration       time.Duration `json:"avgDuration"`
}

// StuckTask is an item that has been IN_PROGRESS longer than the threshold
type StuckTask struct {
	RunID     string        `json:"runId"`
	TaskID    string        `json:"taskId"`
	Title     string        `json:"title"`
	StartedAt time.Time     `json:"startedAt"`
	Running   time.Duration `json:"running"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
	}
}

// IsStuck returns true if the item appears to be stuck
func (o *Observer) IsStuck(item *domain.TaskItem, now time.Time) bool {
	if item.Status != domain.StatusInProgress {
		return false
	}
	if item.StartedAt == nil {
		return false
	}
	return now.Sub(*item.StartedAt) > o.stuckThreshold
}

// StuckTasks lists stuck items across runs, longest running first
func (o *Observer) StuckTasks(runs []*domain.TaskRun, now time.Time) []StuckTask {
	var out []StuckTask
	for _, run := range runs {
		for i := range run.Tasks {
			item := &run.Tasks[i]
			if !o.IsStuck(item, now) {
				continue
			}
			out = append(out, StuckTask{
				RunID:     run.RunID,
				TaskID:    item.ID,
				Title:     item.Title,
				StartedAt: *item.StartedAt,
				Running:   now.Sub(*item.StartedAt),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Running > out[j].Running })
	return out
}

// RecordCompletion records one executed task
func (o *Observer) RecordCompletion(runID, taskID string, ok bool, duration time.Duration, usage domain.Usage, cost domain.Cost) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		RunID:       runID,
		TaskID:      taskID,
		OK:          ok,
		Duration:    duration,
		Usage:       usage,
		CostUSD:     cost.USD,
		CompletedAt: time.Now(),
	})
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, c := range o.completions {
		if c.OK {
			metrics.TotalCompleted++
		} else {
			metrics.TotalFailed++
		}
		metrics.TotalTokensInput += c.Usage.InputTokens
		metrics.TotalTokensOutput += c.Usage.OutputTokens
		metrics.TotalCostUSD += c.CostUSD
		totalDuration += c.Duration
	}

	if n := len(o.completions); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}

	return metrics
}

// GetRecentCompletions returns "runID/taskID" for completions within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RunID+"/"+c.TaskID)
		}
	}

	return result
}
