package main

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/publish"
	"github.com/taskpilot/taskpilot/internal/runner"
	"github.com/taskpilot/taskpilot/internal/sandbox"
	"github.com/taskpilot/taskpilot/internal/watch"
	"github.com/taskpilot/taskpilot/internal/workspace"
	"github.com/taskpilot/taskpilot/web/api"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	broadcaster := events.New()
	registry := runner.NewRegistry()
	workspaces := workspace.NewManager(cfg.Agent.WorkspaceDir)
	publisher := publish.New()

	watcher, err := watch.New(broadcaster, watch.DefaultDebounce)
	if err != nil {
		return fmt.Errorf("creating workspace watcher: %w", err)
	}
	defer watcher.Close()
	watcher.Start()

	startRun := func(task *domain.Task) error {
		if cfg.Agent.MaxConcurrent > 0 && registry.Count() >= cfg.Agent.MaxConcurrent {
			return fmt.Errorf("at most %d concurrent runs allowed", cfg.Agent.MaxConcurrent)
		}

		dir, err := workspaces.Prepare(context.Background(), task)
		if err != nil {
			return fmt.Errorf("preparing workspace: %w", err)
		}

		runCfg := runner.Config{
			Task:     task,
			Store:    store,
			Sink:     broadcaster,
			Executor: sandbox.New(dir, task.ID),
			Process:  runner.NewCLIProcess(cfg.Agent.Binary, cfg.Agent.Args, dir),
		}
		// Scratch tasks without a repository have nothing to publish.
		if task.RepoURL != "" {
			runCfg.Publish = func(ctx context.Context, task *domain.Task) (string, error) {
				return publisher.Publish(ctx, dir, task)
			}
		}
		run := runner.New(runCfg)
		if err := registry.Add(task.ID, run); err != nil {
			return err
		}
		if err := watcher.Add(task.ID, dir); err != nil {
			log.Printf("[serve] task %s: watching workspace: %v", task.ID, err)
		}

		go func() {
			defer registry.Remove(task.ID)
			defer watcher.Remove(task.ID)
			run.Run(context.Background())
		}()
		return nil
	}

	// Tasks stuck in an active status from a previous process have no
	// runner anymore; fail them before accepting new work.
	if swept, err := registry.SweepOrphans(store, broadcaster); err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	} else if swept > 0 {
		log.Printf("[serve] startup sweep failed %d orphaned tasks", swept)
	}

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Watchdog.SweepSpec, func() {
		if _, err := registry.SweepOrphans(store, broadcaster); err != nil {
			log.Printf("[serve] orphan sweep: %v", err)
		}
		if n := registry.CancelIdle(cfg.Inactivity(), broadcaster); n > 0 {
			log.Printf("[serve] cancelled %d idle runs", n)
		}
	}); err != nil {
		return fmt.Errorf("scheduling watchdog: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(store, registry, broadcaster, startRun, cfg.Addr(), cfg.Heartbeat())
	log.Printf("[serve] listening on %s", cfg.Addr())
	return server.Start()
}
