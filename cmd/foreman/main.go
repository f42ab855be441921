package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/config"
)

var version = "0.1.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Control plane for fleets of autonomous agents",
		Long: `Foreman runs the operations side of an agent fleet: a durable priority
work queue, skill-based assignment, process supervision, spend guardrails,
and issue tracker escalation.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.foreman/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newEnqueueCmd(),
		newStatusCmd(),
		newItemsCmd(),
		newItemCmd(),
		newQueueCmd(),
		newCostwatchCmd(),
		newAgentsCmd(),
		newBudgetCmd(),
		newReportCmd(),
		newDashboardCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the config from --config or the default location.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// serverBaseURL builds the gateway base URL from config.
func serverBaseURL(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show Foreman version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Foreman v%s\n", version)
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Config written to %s\n", path)
			return nil
		},
	}
}
