package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/batch"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/observer"
	"github.com/hochfrequenz/agent-task-orchestrator/web/api"
)

var (
	servePort     int
	serveHost     string
	serveSchedule string
	serveNoCron   bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with live run events and scheduled maintenance",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default: web.port)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (default: web.host)")
	serveCmd.Flags().StringVar(&serveSchedule, "schedule", "", "TOML file with additional [[batch]] maintenance batches")
	serveCmd.Flags().BoolVar(&serveNoCron, "no-maintenance", false, "disable scheduled maintenance")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	host, port := a.cfg.Web.Host, a.cfg.Web.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	server := api.NewServer(api.Options{
		Config:   a.cfg,
		Planner:  a.planner,
		Executor: a.executor,
		Loop:     a.loop,
		Prompts:  a.prompts,
		Index:    a.index,
		Observer: observer.New(30 * time.Minute),
		APIKey:   a.cfg.WebAPIKey(),
		Logger:   a.logger,
	}, addr)

	watcher, err := observer.NewStateWatcher(server.RunsChanged, a.logger)
	if err != nil {
		return fmt.Errorf("creating state watcher: %w", err)
	}
	if err := watcher.AddProject(a.root, a.cfg.General.PlansDir); err != nil {
		a.logger.Warn("not watching project", zap.String("project_root", a.root), zap.Error(err))
	}

	batches, err := maintenanceBatches(a)
	if err != nil {
		return err
	}
	var scheduler *batch.Scheduler
	if len(batches) > 0 {
		if scheduler, err = batch.NewScheduler(batches, a.logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	watcher.Start(gctx)
	defer watcher.Stop()
	g.Go(func() error {
		return server.Start(gctx)
	})
	if scheduler != nil {
		janitor := batch.NewJanitor(a.cfg, a.index, a.notifier, a.logger)
		g.Go(func() error {
			scheduler.Start(gctx, janitor.RunBatch)
			return nil
		})
		a.logger.Info("maintenance scheduled", zap.Strings("batches", scheduler.ListBatches()))
	}

	fmt.Printf("Serving on http://%s (watching %s)\n", addr, a.root)
	return g.Wait()
}

func maintenanceBatches(a *app) ([]batch.BatchConfig, error) {
	if serveNoCron {
		return nil, nil
	}
	batches := batch.DefaultBatches(a.cfg)
	if serveSchedule != "" {
		sc, err := batch.LoadScheduleConfig(serveSchedule)
		if err != nil {
			return nil, fmt.Errorf("loading schedule: %w", err)
		}
		batches = append(batches, sc.Batches...)
	}
	return batches, nil
}
