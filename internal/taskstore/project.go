package taskstore

import (
	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
)

// ForProject opens the run store of a project with the configured plans
// directory, lock TTL and save retries
func ForProject(cfg *config.Config, projectRoot string, logger *zap.Logger) *FileStore {
	return NewFileStore(
		PlansDir(projectRoot, cfg.General.PlansDir),
		WithLockTTL(cfg.LockTTL()),
		WithSaveRetries(cfg.Locks.SaveRetries),
		WithLogger(logger),
	)
}
