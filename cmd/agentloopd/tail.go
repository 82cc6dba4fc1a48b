package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/tail"
)

func newTailCmd() *cobra.Command {
	var (
		addr string
		poll time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tail <task-id>",
		Short: "Stream one task's interaction log over a websocket",
		Long: `tail serves a single task's interaction log as a live websocket feed,
analogous to "kubectl logs -f" for one task. It is a debug utility with no
request/response API: clients connect, read, and disconnect; there is
nothing here to submit a task or mutate its state.`,
		Args: cobra.ExactArgs(1),
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

			if poll <= 0 {
				poll = time.Second
			}
			b := tail.NewBroadcaster(st, poll)
			taskID := args[0]
			if _, err := st.GetTask(taskID); err != nil {
				if t, nameErr := st.GetTaskByName(taskID); nameErr == nil {
					taskID = t.ID
				} else {
					return fmt.Errorf("task %q not found", args[0])
				}
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/ws", b.Handler(taskID))
			fmt.Printf("tailing %s on %s/ws (ctrl-c to stop)\n", taskID, addr)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8585", "listen address")
	cmd.Flags().DurationVar(&poll, "poll", 0, "interaction poll interval (default 1s)")
	return cmd
}
