package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/graph-exporter/pkg/queue"
)

func newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "delete the redis queue.",
		Long:  `delete the redis list named by queue_key, dropping every record not yet consumed.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			mode, err := cfg.Mode()
			if err != nil {
				return err
			}
			if !mode.Retains() {
				return fmt.Errorf("queue mode %s keeps no records to purge", mode)
			}

			rdb, err := newRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			backend, err := queue.NewRedisBackend(rdb, cfg.QueueKey, mode, cfg.PoolConfig())
			if err != nil {
				return err
			}
			defer backend.Close()

			removed, err := backend.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s (%d key removed)\n", cfg.QueueKey, removed)
			return nil
		},
	}
}
