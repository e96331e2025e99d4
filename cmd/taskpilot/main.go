package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "taskpilot",
		Short: "Taskpilot - agent task execution service",
		Long: `Taskpilot runs coding agents against tracked tasks.
Tasks move through a review workflow; approved tasks are executed by an
agent inside a sandboxed per-task workspace, with progress streamed to
clients over SSE.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
