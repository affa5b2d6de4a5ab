package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run one extraction and exit.",
		Long: `run one extraction for --at (default now) and exit. The exit status is
non-zero when a window could not be read or a chunk could not be delivered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}
			trigger, err := triggerFlag(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.pipeline.Run(ctx, trigger)
			if result != nil {
				renderResult(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
	cmd.Flags().String("at", "", "trigger time in RFC 3339 (default now)")
	return cmd
}
