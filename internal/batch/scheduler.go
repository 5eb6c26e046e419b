package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
)

// RunFunc executes one batch
type RunFunc func(ctx context.Context, cfg BatchConfig) error

// Scheduler manages scheduled batch runs
type Scheduler struct {
	configs  map[string]BatchConfig
	parser   cron.Parser
	lastRun  map[string]time.Time
	running  map[string]bool
	tick     time.Duration
	now      func() time.Time
	logger   *zap.Logger
	mu       sync.RWMutex
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a new batch scheduler
func NewScheduler(configs []BatchConfig, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		configs:  make(map[string]BatchConfig),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		tick:     time.Minute,
		now:      time.Now,
		logger:   logging.OrNop(logger),
		stopChan: make(chan struct{}),
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		s.configs[cfg.Name] = cfg
		// First runs are measured from startup
		s.lastRun[cfg.Name] = s.now()
	}

	return s, nil
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled run time for a batch
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(s.now())
}

// ShouldRun returns true if a batch should run now
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return false
	}

	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false
	}

	nextRun := sched.Next(s.lastRun[name])
	return !s.now().Before(nextRun)
}

// MarkRunning marks a batch as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a batch as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.now()
}

// GetConfig returns the config for a batch
func (s *Scheduler) GetConfig(name string) (BatchConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

// ListBatches returns all batch names, sorted
func (s *Scheduler) ListBatches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the scheduler loop until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context, runFunc RunFunc) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.stopChan:
			s.wg.Wait()
			return
		case <-ticker.C:
			s.dispatch(ctx, runFunc)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, runFunc RunFunc) {
	for _, name := range s.ListBatches() {
		if !s.ShouldRun(name) {
			continue
		}
		cfg, _ := s.GetConfig(name)
		s.MarkRunning(name)
		s.wg.Add(1)
		go func(c BatchConfig) {
			defer s.wg.Done()
			defer s.MarkComplete(c.Name)
			started := s.now()
			if err := runFunc(ctx, c); err != nil {
				s.logger.Error("batch failed", zap.String("batch", c.Name), zap.Error(err))
				return
			}
			s.logger.Debug("batch finished", zap.String("batch", c.Name), zap.Duration("took", s.now().Sub(started)))
		}(cfg)
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
