package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	projectRoot string
	logLevel    string
	rootCmd     = &cobra.Command{
		Use:   "task-orch",
		Short: "Agent Task Orchestrator - plan, approve and execute coding tasks",
		Long: `Agent Task Orchestrator turns a markdown task document into a plan of
small task items, lets a human approve it, and executes the items one at a
time through a tool-calling model loop. Every item is verified by type
checking, scope and public-API checks; failed items are reverted.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: ./.task-orch.toml, then ~/.config/task-orch/config.toml)")
	rootCmd.PersistentFlags().StringVar(&projectRoot, "project", "", "project root (default: general.project_root or the working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
