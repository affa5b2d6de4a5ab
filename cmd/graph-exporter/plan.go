package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/graph-exporter/pkg/window"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "print the windows a run would fetch.",
		Long:  `print the windows a run triggered at --at (default now) would fetch, without any request.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			trigger, err := triggerFlag(cmd)
			if err != nil {
				return err
			}

			p := cfg.Pipeline()
			if err := p.Validate(); err != nil {
				return err
			}
			trigger = trigger.Truncate(time.Second)
			windows, err := window.Plan(trigger, p.Timelag, p.StreamFrame, p.Streams)
			if err != nil {
				return err
			}
			renderPlan(cmd.OutOrStdout(), trigger, windows, cfg.ScheduleInterval())
			return nil
		},
	}
	cmd.Flags().String("at", "", "trigger time in RFC 3339 (default now)")
	return cmd
}
