package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/taskstore"
)

var version = "dev"

var (
	listStatus string
	servePort  int
)

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the configured port")
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return taskstore.New(cfg.Storage.DBPath)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var tasks []*domain.Task
	if listStatus != "" {
		status := domain.TaskStatus(listStatus)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		tasks, err = store.ListByStatus(status)
	} else {
		tasks, err = store.List()
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPR")
	for _, t := range tasks {
		pr := t.PRURL
		if pr == "" {
			pr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Title, t.Status, pr)
	}
	w.Flush()

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.List()
	if err != nil {
		return err
	}

	counts := make(map[domain.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}

	fmt.Printf("Tasks: %d total", len(tasks))
	for _, status := range []domain.TaskStatus{
		domain.StatusDraft,
		domain.StatusPendingApproval,
		domain.StatusApproved,
		domain.StatusCoding,
		domain.StatusReview,
		domain.StatusChangesRequested,
		domain.StatusDone,
		domain.StatusFailed,
	} {
		if n := counts[status]; n > 0 {
			fmt.Printf(" | %d %s", n, status)
		}
	}
	fmt.Println()

	return nil
}
