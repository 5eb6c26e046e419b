package domain

import "time"

// TaskRun is one user-submitted task document and its derived execution state
type TaskRun struct {
	RunID       string     `json:"runId"`
	TaskPath    string     `json:"taskPath"`
	ProjectRoot string     `json:"projectRoot"`
	Role        string     `json:"role"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Lock        *RunLock   `json:"lock,omitempty"`
	Tasks       []TaskItem `json:"tasks"`
}

// RunLock is an advisory, TTL-bounded lock on a run.
// Timestamps are kept as strings so that a corrupt value can be detected and treated as stale.
type RunLock struct {
	HeldBy     string `json:"heldBy"`
	AcquiredAt string `json:"acquiredAt"`
	ExpiresAt  string `json:"expiresAt"`
}

// NewRunLock creates a lock held by token that expires after ttl
func NewRunLock(token string, now time.Time, ttl time.Duration) *RunLock {
	return &RunLock{
		HeldBy:     token,
		AcquiredAt: now.UTC().Format(time.RFC3339Nano),
		ExpiresAt:  now.Add(ttl).UTC().Format(time.RFC3339Nano),
	}
}

// Stale returns true if the lock has expired or its timestamps cannot be parsed
func (l *RunLock) Stale(now time.Time) bool {
	if l == nil {
		return true
	}
	if _, err := time.Parse(time.RFC3339Nano, l.AcquiredAt); err != nil {
		return true
	}
	exp, err := time.Parse(time.RFC3339Nano, l.ExpiresAt)
	if err != nil {
		return true
	}
	return !now.Before(exp)
}

// ComputeRunStatus derives a run's status purely from its items
func ComputeRunStatus(items []TaskItem) RunStatus {
	allDone := len(items) > 0
	inProgress := false
	for _, it := range items {
		switch it.Status {
		case StatusFailed:
			return RunFailed
		case StatusInProgress:
			inProgress = true
		}
		if it.Status != StatusDone {
			allDone = false
		}
	}
	if allDone {
		return RunDone
	}
	if inProgress {
		return RunRunning
	}
	return RunApproved
}

// RecomputeStatus sets the run status from its items
func (r *TaskRun) RecomputeStatus() {
	r.Status = ComputeRunStatus(r.Tasks)
}

// NextPending returns the first PENDING item in list order, or nil
func (r *TaskRun) NextPending() *TaskItem {
	if i := r.NextPendingIndex(); i >= 0 {
		return &r.Tasks[i]
	}
	return nil
}

// NextPendingIndex returns the position of the first PENDING item, or -1
func (r *TaskRun) NextPendingIndex() int {
	for i := range r.Tasks {
		if r.Tasks[i].Status == StatusPending {
			return i
		}
	}
	return -1
}

// Task returns the item with the given id, or nil
func (r *TaskRun) Task(id string) *TaskItem {
	for i := range r.Tasks {
		if r.Tasks[i].ID == id {
			return &r.Tasks[i]
		}
	}
	return nil
}

// StatusCounts tallies items per status
type StatusCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Counts returns per-status item counts
func (r *TaskRun) Counts() StatusCounts {
	c := StatusCounts{Total: len(r.Tasks)}
	for _, t := range r.Tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusDone:
			c.Done++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
	}
	return c
}
