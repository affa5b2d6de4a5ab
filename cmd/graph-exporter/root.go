package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/graph-exporter/internal/config"
	"github.com/Sternrassler/graph-exporter/pkg/logging"
)

// Version is set via ldflags at build time.
var Version = "dev"

func newCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph-exporter",
		Short: "export MS Graph sign-in logs into Redis.",
		Long: `graph-exporter splits the recent past into time windows, reads each
window from MS Graph in parallel and pushes the records to a Redis list
(accumulate) or channel (broadcast).

Settings come from GRAPH_* environment variables (a .env file is loaded
first), flags and an optional YAML file (--app_config). File values win over
flags, flags win over the environment.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newRunCommand(),
		newServeCommand(),
		newPlanCommand(),
		newPurgeCommand(),
	)
	return cmd
}

// loadConfig reads the configuration for cmd and configures logging.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	v, err := config.New(cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, err
	}

	logging.Setup(cfg.Logging())
	return cfg, nil
}

// triggerFlag parses the --at flag; empty means now.
func triggerFlag(cmd *cobra.Command) (time.Time, error) {
	at, err := cmd.Flags().GetString("at")
	if err != nil || at == "" {
		return time.Now().UTC(), err
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at must be an RFC 3339 time: %w", err)
	}
	return t.UTC(), nil
}
