package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/batch"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/executor"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/planner"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/sync"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-orchestrator/tui"
)

var (
	planRole    string
	executeAll  bool
	listStatus  string
	listAll     bool
	listLimit   int
	configLocal bool
	configForce bool
)

func init() {
	planCmd := &cobra.Command{
		Use:   "plan TASK_FILE",
		Short: "Break a task document into a draft run",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	planCmd.Flags().StringVar(&planRole, "role", "", "role executing the items (default: coder)")
	rootCmd.AddCommand(planCmd)

	approveCmd := &cobra.Command{
		Use:   "approve RUN_ID",
		Short: "Approve a draft run for execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprove,
	}
	rootCmd.AddCommand(approveCmd)

	executeCmd := &cobra.Command{
		Use:   "execute RUN_ID",
		Short: "Execute the next pending task item of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecute,
	}
	executeCmd.Flags().BoolVar(&executeAll, "all", false, "keep executing until no item is pending or one fails")
	rootCmd.AddCommand(executeCmd)

	resetCmd := &cobra.Command{
		Use:   "reset RUN_ID TASK_ID",
		Short: "Move a failed or skipped item back to pending",
		Args:  cobra.ExactArgs(2),
		RunE:  runReset,
	}
	rootCmd.AddCommand(resetCmd)

	skipCmd := &cobra.Command{
		Use:   "skip RUN_ID TASK_ID",
		Short: "Skip a pending or failed item",
		Args:  cobra.ExactArgs(2),
		RunE:  runSkip,
	}
	rootCmd.AddCommand(skipCmd)

	statusCmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show the items of a run, or a summary of all runs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by run status")
	listCmd.Flags().BoolVar(&listAll, "all-projects", false, "list runs of every indexed project")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of runs")
	rootCmd.AddCommand(listCmd)

	janitorCmd := &cobra.Command{
		Use:   "janitor",
		Short: "Clear stale locks, resync plan documents and report stuck items once",
		RunE:  runJanitor,
	}
	rootCmd.AddCommand(janitorCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch TUI dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create configuration",
	}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE:  runConfigShow,
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE:  runConfigInit,
	}
	configInitCmd.Flags().BoolVar(&configLocal, "local", false, "write "+config.LocalConfigName+" in the working directory")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := a.planner.Plan(ctx, planner.Request{TaskPath: args[0], Role: planRole})
	if err != nil {
		return err
	}

	how := "planned by the model"
	if res.Compiled {
		how = "compiled from task blocks"
	}
	fmt.Printf("Created draft run %s with %d items (%s)\n", res.Run.RunID, len(res.Run.Tasks), how)
	fmt.Printf("Plan: %s\n", res.PlanPath)
	if res.Usage.TotalTokens > 0 {
		fmt.Printf("Tokens: %s, cost: $%.4f\n", humanize.Comma(int64(res.Usage.TotalTokens)), res.Cost.USD)
	}
	printTasks(res.Run)
	fmt.Printf("\nReview the plan, then run: task-orch approve %s\n", res.Run.RunID)
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.planner.Approve("", args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Approved run %s (%d items)\n", run.RunID, len(run.Tasks))
	return nil
}

func runExecute(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	for {
		out, err := a.executor.ExecuteNext(ctx, "", args[0])
		if err != nil {
			return err
		}
		printOutcome(out)
		if !executeAll || out.Kind != executor.KindExecuted || !out.OK || ctx.Err() != nil {
			if out.Kind == executor.KindConflict || (out.Kind != executor.KindNoPending && !out.OK) {
				return errors.New("execution did not succeed")
			}
			return nil
		}
	}
}

func printOutcome(out *executor.Outcome) {
	switch out.Kind {
	case executor.KindConflict:
		fmt.Printf("Run %s is locked: %s\n", out.RunID, out.Error)
		return
	case executor.KindNoPending:
		fmt.Printf("Run %s has no pending items (status: %s)\n", out.RunID, out.RunStatus)
		return
	case executor.KindInterrupted:
		fmt.Printf("Item %s was left in progress by an interrupted execution and is now %s\n", out.TaskID, out.Status)
		return
	}

	if out.OK {
		fmt.Printf("Item %s done", out.TaskID)
	} else {
		fmt.Printf("Item %s failed", out.TaskID)
	}
	fmt.Printf(" (run: %s, snapshot: %s, tokens: %s, cost: $%.4f)\n",
		out.RunStatus, out.Snapshot, humanize.Comma(int64(out.Usage.TotalTokens)), out.Cost.USD)
	if len(out.ChangedFiles) > 0 {
		fmt.Printf("  changed: %s\n", strings.Join(out.ChangedFiles, ", "))
	}
	for _, note := range out.Notes {
		fmt.Printf("  - %s\n", note)
	}
	if out.Reverted {
		fmt.Println("  changes were reverted")
	}
	if !out.OK && len(out.Notes) == 0 && out.Error != "" {
		fmt.Printf("  error: %s\n", out.Error)
	}
}

func runReset(cmd *cobra.Command, args []string) error {
	return changeTask(args, "reset", func(a *app) (*domain.TaskRun, error) {
		return a.executor.ResetTask("", args[0], args[1])
	})
}

func runSkip(cmd *cobra.Command, args []string) error {
	return changeTask(args, "skipped", func(a *app) (*domain.TaskRun, error) {
		return a.executor.SkipTask("", args[0], args[1])
	})
}

func changeTask(args []string, verb string, fn func(*app) (*domain.TaskRun, error)) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := fn(a)
	if err != nil {
		return err
	}
	fmt.Printf("Item %s %s, run %s is %s\n", args[1], verb, run.RunID, run.Status)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()
	store := a.store()

	if len(args) == 1 {
		run, err := store.Load(args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("%w: %s", taskstore.ErrRunNotFound, args[0])
		}
		fmt.Printf("Run %s │ %s │ role %s │ %s\n", run.RunID, run.Status, run.Role, run.TaskPath)
		fmt.Printf("Created %s", humanize.Time(run.CreatedAt))
		if run.ApprovedAt != nil {
			fmt.Printf(", approved %s", humanize.Time(*run.ApprovedAt))
		}
		fmt.Println()
		if run.Lock != nil {
			fmt.Printf("Locked by %s until %s\n", run.Lock.HeldBy, run.Lock.ExpiresAt)
		}
		printTasks(run)

		conflicts, err := sync.New(store, a.index, a.logger).DetectConflicts(run)
		if err != nil {
			return err
		}
		for _, c := range conflicts {
			fmt.Printf("plan document disagrees on %s: state %s, document %s\n", c.TaskID, c.RunStatus, c.PlanStatus)
		}
		return nil
	}

	runs, err := store.List()
	if err != nil {
		return err
	}
	byStatus := make(map[domain.RunStatus]int)
	var counts domain.StatusCounts
	for _, run := range runs {
		byStatus[run.Status]++
		c := run.Counts()
		counts.Total += c.Total
		counts.Pending += c.Pending
		counts.InProgress += c.InProgress
		counts.Done += c.Done
		counts.Failed += c.Failed
		counts.Skipped += c.Skipped
	}
	fmt.Printf("Runs: %d total | %d draft | %d approved | %d running | %d done | %d failed\n",
		len(runs), byStatus[domain.RunDraft], byStatus[domain.RunApproved], byStatus[domain.RunRunning],
		byStatus[domain.RunDone], byStatus[domain.RunFailed])
	fmt.Printf("Items: %d total | %d pending | %d in progress | %d done | %d failed | %d skipped\n",
		counts.Total, counts.Pending, counts.InProgress, counts.Done, counts.Failed, counts.Skipped)
	return nil
}

func printTasks(run *domain.TaskRun) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nID\tSTATUS\tTITLE\tFILES\tATTEMPTS")
	for _, t := range run.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", t.ID, t.Status, t.Title, strings.Join(t.Files, ", "), t.Attempts)
	}
	w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	var summaries []*taskstore.RunSummary
	if listAll {
		if a.index == nil {
			return errors.New("--all-projects needs the run index (general.database_path)")
		}
		summaries, err = a.index.ListRuns(taskstore.ListOptions{Status: domain.RunStatus(listStatus), Limit: listLimit})
		if err != nil {
			return err
		}
	} else {
		runs, err := a.store().List()
		if err != nil {
			return err
		}
		for _, run := range runs {
			if listStatus != "" && string(run.Status) != listStatus {
				continue
			}
			c := run.Counts()
			summaries = append(summaries, &taskstore.RunSummary{
				RunID:       run.RunID,
				ProjectRoot: run.ProjectRoot,
				TaskPath:    run.TaskPath,
				Role:        run.Role,
				Status:      run.Status,
				Counts:      c,
				CreatedAt:   run.CreatedAt,
				UpdatedAt:   run.UpdatedAt,
			})
			if listLimit > 0 && len(summaries) == listLimit {
				break
			}
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := "RUN\tSTATUS\tDONE\tROLE\tCREATED\tTASK"
	if listAll {
		header += "\tPROJECT"
	}
	fmt.Fprintln(w, header)
	for _, s := range summaries {
		line := fmt.Sprintf("%s\t%s\t%d/%d\t%s\t%s\t%s",
			s.RunID, s.Status, s.Counts.Done, s.Counts.Total, s.Role, humanize.Time(s.CreatedAt), s.TaskPath)
		if listAll {
			line += "\t" + s.ProjectRoot
		}
		fmt.Fprintln(w, line)
	}
	w.Flush()
	return nil
}

func runJanitor(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	schedule := a.cfg.Maintenance.Cron
	if schedule == "" {
		schedule = config.Default().Maintenance.Cron
	}
	j := batch.NewJanitor(a.cfg, a.index, a.notifier, a.logger)
	report, err := j.Run(ctx, batch.BatchConfig{
		Name:     "manual",
		Cron:     schedule,
		Jobs:     batch.AllJobs,
		Projects: []string{a.root},
	})
	if report != nil {
		cleared := 0
		for _, ids := range report.ClearedLocks {
			cleared += len(ids)
		}
		fmt.Printf("Cleared %d stale locks, synced %d runs, %d stuck items\n", cleared, report.Synced, len(report.Stuck))
		for _, s := range report.Stuck {
			fmt.Printf("  stuck: %s/%s %s (in progress for %s)\n", s.RunID, s.TaskID, s.Title, s.Running.Round(time.Second))
		}
	}
	return err
}

func runTUI(cmd *cobra.Command, args []string) error {
	// log lines would tear the alt screen
	if logLevel == "" {
		logLevel = "error"
	}
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	store := a.store()
	runs, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to load runs: %w", err)
	}

	cfg := tui.ModelConfig{
		ProjectRoot: a.root,
		Runs:        runs,
		Load:        store.List,
		Reset: func(runID, taskID string) (*domain.TaskRun, error) {
			return a.executor.ResetTask("", runID, taskID)
		},
		Skip: func(runID, taskID string) (*domain.TaskRun, error) {
			return a.executor.SkipTask("", runID, taskID)
		},
	}
	if a.loop != nil {
		cfg.Execute = func(ctx context.Context, runID string) (*executor.Outcome, error) {
			return a.executor.ExecuteNext(ctx, "", runID)
		}
	}

	p := tea.NewProgram(tui.NewModel(cfg), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	switch {
	case path != "":
	case configLocal:
		path = config.LocalConfigName
	default:
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
