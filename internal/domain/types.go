package domain

// TaskStatus represents the lifecycle state of a task item
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusDone       TaskStatus = "DONE"
	StatusFailed     TaskStatus = "FAILED"
	StatusSkipped    TaskStatus = "SKIPPED"
)

// ParseTaskStatus maps a status string to a TaskStatus, defaulting to PENDING
func ParseTaskStatus(s string) TaskStatus {
	switch TaskStatus(s) {
	case StatusPending, StatusInProgress, StatusDone, StatusFailed, StatusSkipped:
		return TaskStatus(s)
	}
	return StatusPending
}

// RunStatus represents the state of a task run
type RunStatus string

const (
	RunDraft    RunStatus = "draft"
	RunApproved RunStatus = "approved"
	RunRunning  RunStatus = "running"
	RunDone     RunStatus = "done"
	RunFailed   RunStatus = "failed"
)

// Executable reports whether items of a run in this status may be executed
func (s RunStatus) Executable() bool {
	return s == RunApproved || s == RunRunning
}

// LogType classifies a task log entry
type LogType string

const (
	LogInfo  LogType = "info"
	LogWarn  LogType = "warn"
	LogError LogType = "error"
)

// Mode selects the capability set of an agent run
type Mode string

const (
	ModePlan    Mode = "plan"
	ModeExecute Mode = "execute"
)

// AllowAPIChangesMarker opts a task item into exported API changes
const AllowAPIChangesMarker = "[ALLOW_API_CHANGES]"

// MaxLogMessage is the maximum length of a stored log message
const MaxLogMessage = 4000
