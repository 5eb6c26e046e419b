package batch

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
)

// Maintenance jobs a batch can run
const (
	JobClearLocks  = "clear-locks"
	JobSync        = "sync"
	JobReportStuck = "report-stuck"
)

// AllJobs is the job list used when a batch names none
var AllJobs = []string{JobClearLocks, JobSync, JobReportStuck}

// BatchConfig represents a scheduled maintenance batch
type BatchConfig struct {
	Name             string   `toml:"name"`
	Cron             string   `toml:"cron"`
	Jobs             []string `toml:"jobs"`
	Projects         []string `toml:"projects"`
	StuckMinutes     int      `toml:"stuck_minutes"`
	NotifyOnComplete bool     `toml:"notify_on_complete"`
}

// ScheduleConfig holds all batch configurations
type ScheduleConfig struct {
	Batches []BatchConfig `toml:"batch"`
}

// Validate checks if the config is valid
func (c *BatchConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if len(c.Jobs) == 0 {
		c.Jobs = append([]string(nil), AllJobs...)
	}
	for _, job := range c.Jobs {
		switch job {
		case JobClearLocks, JobSync, JobReportStuck:
		default:
			return fmt.Errorf("unknown job %q", job)
		}
	}
	if c.StuckMinutes <= 0 {
		c.StuckMinutes = 30 // Default
	}
	return nil
}

// HasJob reports whether the batch runs job
func (c *BatchConfig) HasJob(job string) bool {
	for _, j := range c.Jobs {
		if j == job {
			return true
		}
	}
	return false
}

// DefaultBatches returns the janitor batch described by [maintenance]
func DefaultBatches(cfg *config.Config) []BatchConfig {
	if cfg.Maintenance.Cron == "" {
		return nil
	}
	var projects []string
	if cfg.General.ProjectRoot != "" {
		projects = []string{cfg.General.ProjectRoot}
	}
	return []BatchConfig{{
		Name:     "janitor",
		Cron:     cfg.Maintenance.Cron,
		Jobs:     append([]string(nil), AllJobs...),
		Projects: projects,
	}}
}

// LoadScheduleConfig loads batch configuration from a TOML file
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Validate all batches
	for i := range cfg.Batches {
		if err := cfg.Batches[i].Validate(); err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
	}

	return &cfg, nil
}
