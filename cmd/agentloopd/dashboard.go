package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentloop/internal/dashboard"
	"github.com/alekspetrov/agentloop/internal/store"
)

func newDashboardCmd() *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Live task-list TUI",
		Long:  "dashboard opens a read-only bubbletea view of every task in the store, refreshing on a timer and showing the selected task's git graph when it has a worktree.",
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

			if refresh <= 0 {
				refresh = cfg.Dashboard.RefreshInterval
			}
			return dashboard.Run(st, refresh)
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 0, "refresh interval (default from config)")
	return cmd
}
