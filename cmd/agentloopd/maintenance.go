package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentloop/internal/inputqueue"
	"github.com/alekspetrov/agentloop/internal/maintenance"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/worktree"
)

func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run the periodic maintenance sweep once, outside the cron schedule",
	}
	cmd.AddCommand(newMaintenanceRunCmd())
	return cmd
}

func newMaintenanceRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Compact sent queue entries and sweep orphaned worktrees once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			queue, err := inputqueue.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open input queue: %w", err)
			}
			defer queue.Close()

			wt := worktree.New(cfg.Worktree.DirName)
			mcfg := maintenance.Config{QueueRetention: cfg.Maintenance.QueueRetention, OrphanScanRoot: cfg.Maintenance.OrphanScanRoot}
			job := maintenance.New(st, queue, wt, mcfg)
			if err := job.RunOnce(context.Background()); err != nil {
				return fmt.Errorf("maintenance run: %w", err)
			}
			fmt.Println("maintenance sweep complete")
			return nil
		},
	}
}
