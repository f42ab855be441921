package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/agents"
	"github.com/foremanhq/foreman/internal/dashboard"
	"github.com/foremanhq/foreman/internal/queue"
	"github.com/foremanhq/foreman/internal/reports"
	"github.com/foremanhq/foreman/internal/store"
)

func newEnqueueCmd() *cobra.Command {
	var (
		priority    string
		description string
		skills      []string
		effort      float64
		sourceKey   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <title>",
		Short: "Add a work item to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)

			var resp struct {
				Item    *queue.WorkItem `json:"item"`
				Created bool            `json:"created"`
			}
			err = client.post("/api/v1/items", map[string]any{
				"title":            args[0],
				"description":      description,
				"priority":         priority,
				"required_skills":  skills,
				"estimated_effort": effort,
				"source_key":       sourceKey,
			}, &resp)
			if err != nil {
				return err
			}

			if resp.Created {
				fmt.Printf("Enqueued %s [%s] %s\n", resp.Item.ID, resp.Item.Priority, resp.Item.Title)
			} else {
				fmt.Printf("Already queued as %s (source key %q)\n", resp.Item.ID, sourceKey)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "P2", "Priority (P0-P4)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Item description")
	cmd.Flags().StringSliceVar(&skills, "skills", nil, "Required skills (comma-separated)")
	cmd.Flags().Float64Var(&effort, "effort", 1, "Estimated effort units")
	cmd.Flags().StringVar(&sourceKey, "source-key", "", "Idempotency key for deduplication")

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)

			var snap reports.Snapshot
			if err := client.get("/api/v1/status", &snap); err != nil {
				return err
			}

			fmt.Println("Foreman Status")
			fmt.Println("──────────────")
			q := snap.Queue
			fmt.Printf("Queue:      %d pending  %d assigned  %d running  %d retrying  %d dead\n",
				q.Pending, q.Assigned, q.Running, q.Retrying, q.Dead)
			if q.Paused {
				fmt.Printf("            PAUSED: %s\n", q.PauseNote)
			}
			fmt.Printf("Agents:     %d registered\n", len(snap.Agents))
			fmt.Printf("Processes:  %d supervised\n", len(snap.Processes))
			if b := snap.Budget; b != nil {
				fmt.Printf("Budget:     $%.2f/$%.2f daily  $%.2f/$%.2f monthly\n",
					b.DailySpent, b.DailyLimit, b.MonthlySpent, b.MonthlyLimit)
			}
			if c := snap.Cost; c != nil && c.Enabled {
				state := "ok"
				if c.Tripped {
					state = "TRIPPED"
				}
				fmt.Printf("Costwatch:  $%.2f month-to-date  delta $%.2f/$%.2f  %s\n",
					c.LastSpend, c.WindowDelta, c.Threshold, state)
			}
			return nil
		},
	}
}

func newItemsCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)

			path := "/api/v1/items"
			if status != "" {
				path += "?status=" + status
			}
			var resp struct {
				Items []*queue.WorkItem `json:"items"`
			}
			if err := client.get(path, &resp); err != nil {
				return err
			}

			if len(resp.Items) == 0 {
				fmt.Println("No items")
				return nil
			}
			for _, item := range resp.Items {
				line := fmt.Sprintf("%s  %s  %-9s  %s", item.ID[:8], item.Priority, item.Status, item.Title)
				if item.AssignedTo != "" {
					line += fmt.Sprintf("  (agent %s)", item.AssignedTo)
				}
				if item.Attempts > 0 {
					line += fmt.Sprintf("  attempts=%d", item.Attempts)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, assigned, running, completed, failed, dead)")
	return cmd
}

func newItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Report work item progress and outcomes",
	}

	start := &cobra.Command{
		Use:   "start <id>",
		Short: "Mark an assigned item as running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)
			if err := client.post("/api/v1/items/"+args[0]+"/start", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Item %s running\n", args[0])
			return nil
		},
	}

	var (
		agentID string
		reason  string
		cost    float64
		tokens  int64
	)
	complete := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a running item as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)
			payload := map[string]any{"agent_id": agentID, "cost_usd": cost, "tokens": tokens}
			if err := client.post("/api/v1/items/"+args[0]+"/complete", payload, nil); err != nil {
				return err
			}
			fmt.Printf("Item %s completed\n", args[0])
			return nil
		},
	}
	complete.Flags().StringVar(&agentID, "agent", "", "Agent that worked the item")
	complete.Flags().Float64Var(&cost, "cost", 0, "Cost incurred in USD")
	complete.Flags().Int64Var(&tokens, "tokens", 0, "Tokens consumed")

	fail := &cobra.Command{
		Use:   "fail <id>",
		Short: "Report a failed attempt; the item retries with backoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)
			payload := map[string]any{"agent_id": agentID, "reason": reason, "cost_usd": cost, "tokens": tokens}
			if err := client.post("/api/v1/items/"+args[0]+"/fail", payload, nil); err != nil {
				return err
			}
			fmt.Printf("Item %s failed: %s\n", args[0], reason)
			return nil
		},
	}
	fail.Flags().StringVar(&agentID, "agent", "", "Agent that worked the item")
	fail.Flags().StringVar(&reason, "reason", "", "Failure reason")
	fail.Flags().Float64Var(&cost, "cost", 0, "Cost incurred in USD")
	fail.Flags().Int64Var(&tokens, "tokens", 0, "Tokens consumed")

	cmd.AddCommand(start, complete, fail)
	return cmd
}

func newCostwatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "costwatch",
		Short: "Inspect and reset the cost watchdog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)

			var status struct {
				Enabled     bool    `json:"enabled"`
				LastSpend   float64 `json:"last_spend"`
				WindowDelta float64 `json:"window_delta"`
				Threshold   float64 `json:"threshold"`
				Tripped     bool    `json:"tripped"`
			}
			if err := client.get("/api/v1/costwatch", &status); err != nil {
				return err
			}

			state := "ok"
			if status.Tripped {
				state = "TRIPPED"
			}
			fmt.Println("Cost Watchdog")
			fmt.Println("─────────────")
			fmt.Printf("Spend:  $%.2f month-to-date\n", status.LastSpend)
			fmt.Printf("Delta:  $%.2f / $%.2f threshold\n", status.WindowDelta, status.Threshold)
			fmt.Printf("State:  %s\n", state)
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear a tripped watchdog so it can fire again",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)
			if err := client.post("/api/v1/costwatch/reset", nil, nil); err != nil {
				return err
			}
			fmt.Println("Cost watchdog reset")
			return nil
		},
	}

	cmd.AddCommand(reset)
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Pause or resume the work queue",
	}

	var reason string
	pause := &cobra.Command{
		Use:   "pause",
		Short: "Stop assigning new work",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)
			if err := client.post("/api/v1/queue/pause", map[string]string{"reason": reason}, nil); err != nil {
				return err
			}
			fmt.Println("Queue paused")
			return nil
		},
	}
	pause.Flags().StringVar(&reason, "reason", "", "Reason for pausing")

	resume := &cobra.Command{
		Use:   "resume",
		Short: "Resume assigning work",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)
			if err := client.post("/api/v1/queue/resume", nil, nil); err != nil {
				return err
			}
			fmt.Println("Queue resumed")
			return nil
		},
	}

	cmd.AddCommand(pause, resume)
	return cmd
}

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage registered agents",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)

			var resp struct {
				Agents []*agents.Agent `json:"agents"`
			}
			if err := client.get("/api/v1/agents", &resp); err != nil {
				return err
			}

			if len(resp.Agents) == 0 {
				fmt.Println("No agents registered")
				return nil
			}
			for _, agent := range resp.Agents {
				fmt.Printf("%-20s  %-8s  load %.1f/%.1f  skills: %s\n",
					agent.Name, agent.State, agent.AssignedEffort, agent.Capacity,
					strings.Join(agent.Skills, ", "))
			}
			return nil
		},
	}

	var (
		skills   []string
		capacity float64
	)
	register := &cobra.Command{
		Use:   "register <name>",
		Short: "Register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)

			var resp struct {
				Agent *agents.Agent `json:"agent"`
			}
			err = client.post("/api/v1/agents", map[string]any{
				"name":     args[0],
				"skills":   skills,
				"capacity": capacity,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s (%s)\n", resp.Agent.Name, resp.Agent.ID)
			return nil
		},
	}
	register.Flags().StringSliceVar(&skills, "skills", nil, "Agent skills (comma-separated)")
	register.Flags().Float64Var(&capacity, "capacity", 1, "Effort capacity")

	cmd.AddCommand(list, register)
	return cmd
}

func newBudgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show budget status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)

			var snap reports.Snapshot
			if err := client.get("/api/v1/status", &snap); err != nil {
				return err
			}
			if snap.Budget == nil {
				fmt.Println("Budget enforcement disabled")
				return nil
			}

			b := snap.Budget
			fmt.Println("Budget Status")
			fmt.Println("─────────────")
			fmt.Printf("Daily:   $%.2f / $%.2f (%.0f%%)\n", b.DailySpent, b.DailyLimit, b.DailyPercent)
			fmt.Printf("Monthly: $%.2f / $%.2f (%.0f%%)\n", b.MonthlySpent, b.MonthlyLimit, b.MonthlyPercent)
			if b.IsPaused {
				fmt.Printf("Paused:  %s (%d items blocked)\n", b.PauseReason, b.BlockedItems)
			}
			return nil
		},
	}
}

func newReportCmd() *cobra.Command {
	var (
		kind  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "List generated reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.New(cfg.Data.Path)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			records, err := st.ListReports(kind, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No reports")
				return nil
			}
			for _, record := range records {
				fmt.Printf("%s  v%d  %s\n",
					record.GeneratedAt.Format(time.RFC3339), record.SchemaVersion, record.Path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Filter by report kind")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum reports to list")
	return cmd
}

func newDashboardCmd() *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Open the terminal dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := dashboard.NewClient(serverBaseURL(cfg), cfg.Gateway.AuthToken)
			return dashboard.Run(client, refresh, version)
		},
	}

	cmd.Flags().DurationVar(&refresh, "refresh", 2*time.Second, "Snapshot refresh interval")
	return cmd
}
