package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/agents"
	"github.com/foremanhq/foreman/internal/alerts"
	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/costwatch"
	"github.com/foremanhq/foreman/internal/gateway"
	"github.com/foremanhq/foreman/internal/logging"
	"github.com/foremanhq/foreman/internal/orchestrator"
	"github.com/foremanhq/foreman/internal/queue"
	"github.com/foremanhq/foreman/internal/reports"
	"github.com/foremanhq/foreman/internal/scheduler"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/internal/tracker/github"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Foreman daemon",
		Long:  `Starts the work queue, assigner, supervisor, spend guardrails, and HTTP gateway. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	if err := logging.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := logging.WithComponent("serve")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage
	st, err := store.New(cfg.Data.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Queue and agents
	qm, err := queue.NewManager(cfg.Queue, st)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	registry, err := agents.NewRegistry(st)
	if err != nil {
		return fmt.Errorf("failed to initialize agent registry: %w", err)
	}
	assigner := agents.NewAssigner(cfg.Assigner, qm, registry)

	// Process supervision
	supervisor := orchestrator.NewSupervisor(cfg.Orchestrator)

	// Alerting
	dispatcher := alerts.NewDispatcher(cfg.Alerts)
	dispatcher.Register(alerts.NewLogChannel())
	if cfg.Alerts.Webhook != nil && cfg.Alerts.Webhook.URL != "" {
		dispatcher.Register(alerts.NewWebhookChannel(cfg.Alerts.Webhook))
	}
	if gh := cfg.Tracker.GitHub; gh != nil && gh.Enabled {
		client := github.NewClient(gh.Token)
		dispatcher.Register(alerts.NewTrackerChannel(github.NewEscalator(client, gh.Owner, gh.Repo)))
	}

	// Budget enforcement
	enforcer := budget.NewEnforcer(cfg.Budget, st)
	enforcer.OnAlert(func(alertType, message, severity string) {
		dispatcher.Fire(ctx, alertType, message, "budget", alerts.ParseSeverity(severity))
	})

	// Cloud cost watchdog
	var watcher *costwatch.Watcher
	if cfg.CostWatch.Enabled {
		provider, err := costwatch.NewAWSProvider(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize cost provider: %w", err)
		}
		watcher = costwatch.NewWatcher(cfg.CostWatch, provider, st, supervisor)
		watcher.OnAlert(func(alertType, message, severity string) {
			dispatcher.Fire(ctx, alertType, message, "costwatch", alerts.ParseSeverity(severity))
		})
		watcher.OnReset(func() {
			dispatcher.Resolve(ctx, "cost_runaway", "Trip reset by operator; spend delta back under threshold.")
		})
	}

	supervisor.OnFailure(func(id string, err error) {
		dispatcher.Fire(ctx, "process_failure",
			fmt.Sprintf("process %s exhausted its restart budget: %v", id, err),
			"orchestrator", alerts.SeverityCritical)
	})

	// Reports and gateway
	generator := reports.NewGenerator(cfg.Reports.Dir, qm, registry, supervisor, enforcer, watcher, st)
	var sentinel gateway.CostSentinel
	if watcher != nil {
		sentinel = watcher
	}
	server := gateway.NewServer(cfg.Gateway, generator, qm, registry, st, sentinel)

	// Scheduled maintenance
	sched := scheduler.New(cfg.Scheduler)
	if err := sched.AddJob(ctx, "snapshot-report", cfg.Scheduler.ReportSchedule, func(ctx context.Context) error {
		_, err := generator.Generate(ctx)
		return err
	}); err != nil {
		return err
	}
	guard := newBudgetGuard(enforcer, qm, supervisor)
	guard.onRecover = func() {
		dispatcher.Resolve(ctx, "daily_budget_exceeded", "Budget back under limit; queue resumed.")
		dispatcher.Resolve(ctx, "monthly_budget_exceeded", "Budget back under limit; queue resumed.")
	}
	if err := sched.AddJob(ctx, "budget-reset", cfg.Scheduler.BudgetResetSchedule, func(ctx context.Context) error {
		return guard.reset()
	}); err != nil {
		return err
	}
	if cfg.Budget.Enabled {
		if err := sched.AddJob(ctx, "budget-check", "* * * * *", guard.check); err != nil {
			return err
		}
	}

	// Start everything
	for _, spec := range cfg.Orchestrator.Workers {
		if err := supervisor.Launch(ctx, spec); err != nil {
			return fmt.Errorf("failed to launch worker %s: %w", spec.ID, err)
		}
	}
	assigner.Start(ctx)
	if watcher != nil {
		watcher.Start(ctx)
	}
	sched.Start()

	log.Info("Foreman daemon started")

	// Gateway blocks until the context is cancelled.
	serveErr := server.Start(ctx)

	// Shutdown in reverse dependency order.
	sched.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	assigner.Stop()
	supervisor.StopAll()

	log.Info("Foreman daemon stopped")
	return serveErr
}
