package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/agent"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/analysis"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/executor"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/llm"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/planner"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/procexec"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/tools"
)

// app holds the components shared by the commands
type app struct {
	cfg      *config.Config
	root     string
	logger   *zap.Logger
	index    *taskstore.Index
	notifier notify.Notifier
	prompts  *prompts.Loader
	loop     executor.Loop
	planner  *planner.Planner
	executor *executor.Executor
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// newApp wires config, logger, index, model loop, planner and executor.
// Without a usable model provider the loop stays nil unless requireModel
// is set, so read-only commands work offline.
func newApp(requireModel bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	root, err := cfg.ResolveProjectRoot(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	root, err = tools.ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	// Commands pass "" as the project root from here on
	cfg.General.ProjectRoot = root

	a := &app{
		cfg:      cfg,
		root:     root,
		logger:   logger,
		notifier: notify.FromConfig(cfg.Notifications),
		prompts:  prompts.DefaultLoader(root),
	}

	if cfg.General.DatabasePath != "" {
		idx, err := taskstore.OpenIndex(cfg.General.DatabasePath)
		if err != nil {
			logger.Warn("run index unavailable", zap.String("path", cfg.General.DatabasePath), zap.Error(err))
		} else {
			a.index = idx
		}
	}

	runner := procexec.NewRunner(procexec.WithLogger(logger))
	analyzer := analysis.NewTreeSitter(runner, cfg.Commands.TypeCheck, cfg.CommandTimeout(), logger)

	provider, err := llm.NewProvider(cfg)
	switch {
	case err != nil && requireModel:
		a.Close()
		return nil, fmt.Errorf("creating model provider: %w", err)
	case err != nil:
		logger.Debug("model provider unavailable", zap.Error(err))
	default:
		opts := []agent.Option{
			agent.WithRetryPolicy(llm.NewRetryPolicy(cfg, logger)),
			agent.WithPriceTable(llm.NewPriceTableFromConfig(cfg)),
			agent.WithSampling(cfg.LLM.MaxTokens, cfg.LLM.Temperature),
			agent.WithLogger(logger),
		}
		if a.index != nil {
			opts = append(opts, agent.WithRecorder(a.index))
		}
		a.loop = agent.NewRunner(provider, tools.Deps{
			Analyzer: analyzer,
			Runner:   runner,
			Commands: cfg.Commands,
			Timeout:  cfg.CommandTimeout(),
			Logger:   logger,
		}, opts...)
	}

	a.planner = planner.New(cfg, a.loop, a.prompts, a.index, logger)
	a.executor = executor.New(cfg, a.loop, analyzer,
		executor.WithPrompts(a.prompts),
		executor.WithIndex(a.index),
		executor.WithNotifier(a.notifier),
		executor.WithLogger(logger),
	)
	return a, nil
}

func (a *app) store() *taskstore.FileStore {
	return taskstore.ForProject(a.cfg, a.root, a.logger)
}

func (a *app) Close() {
	if a.index != nil {
		a.index.Close()
	}
	a.logger.Sync()
}
