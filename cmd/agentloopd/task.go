package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentloop/internal/agent"
	"github.com/alekspetrov/agentloop/internal/inputqueue"
	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
	"github.com/alekspetrov/agentloop/internal/taskexec"
	"github.com/alekspetrov/agentloop/internal/worktree"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(),
		newTaskListCmd(),
		newTaskShowCmd(),
		newTaskStopCmd(),
		newTaskSendCmd(),
		newTaskRestartCmd(),
	)
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		description   string
		rootFolder    string
		chatMode      bool
		criteriaText  string
		maxIterations int
		project       []string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new PENDING task",
		Args:  cobra.ExactArgs(1),
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

			entries, err := parseProjectFlags(project)
			if err != nil {
				return err
			}

			ec := task.DefaultEndCriteria()
			if cfg.EndCriteria != nil {
				ec.MaxIterations = cfg.EndCriteria.MaxIterations
			}
			if maxIterations > 0 {
				ec.MaxIterations = maxIterations
			}
			ec.Criteria = criteriaText

			t := &task.Task{
				ID:          uuid.NewString(),
				Name:        args[0],
				Description: description,
				Status:      task.StatusPending,
				ChatMode:    chatMode,
				Projects:    entries,
				RootFolder:  rootFolder,
				EndCriteria: ec,
				CreatedAt:   time.Now(),
				UpdatedAt:   time.Now(),
			}
			if err := st.CreateTask(t); err != nil {
				return fmt.Errorf("create task: %w", err)
			}
			fmt.Printf("created task %s (%s)\n", t.Name, t.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description / first message")
	cmd.Flags().StringVar(&rootFolder, "root", "", "root folder when no project is a write target")
	cmd.Flags().BoolVar(&chatMode, "chat", false, "chat_mode: pause after every turn; skip the end-criteria check and test run")
	cmd.Flags().StringVar(&criteriaText, "criteria", "", "end_criteria_config.criteria judged each iteration")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "override end_criteria_config.max_iterations")
	cmd.Flags().StringArrayVar(&project, "project", nil, "path:access:type, repeatable (access: read|write, type: rpc|web|idl|sdk|other)")
	return cmd
}

func parseProjectFlags(specs []string) ([]task.ProjectEntry, error) {
	entries := make([]task.ProjectEntry, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) == 0 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --project %q: expected path:access:type", spec)
		}
		e := task.ProjectEntry{Path: parts[0], Access: task.AccessRead, ProjectType: task.ProjectTypeOther}
		if len(parts) > 1 && parts[1] != "" {
			e.Access = task.Access(parts[1])
		}
		if len(parts) > 2 && parts[2] != "" {
			e.ProjectType = task.ProjectType(parts[2])
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tasks",
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

			tasks, err := st.ListTasks()
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if len(tasks) == 0 {
				fmt.Println("no tasks yet")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("%-36s  %-9s  %s\n", t.ID, t.Status, t.Name)
			}
			return nil
		},
	}
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|name>",
		Short: "Show one task's full state",
		Args:  cobra.ExactArgs(1),
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

			t, err := lookupTask(st, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:          %s\n", t.ID)
			fmt.Printf("name:        %s\n", t.Name)
			fmt.Printf("status:      %s\n", t.Status)
			fmt.Printf("chat_mode:   %v\n", t.ChatMode)
			fmt.Printf("worktree:    %s\n", t.WorktreePath)
			fmt.Printf("session_id:  %s\n", t.AgentSessionID)
			if t.ProcessPID != nil {
				fmt.Printf("process_pid: %d\n", *t.ProcessPID)
			}
			fmt.Printf("tokens:      %d\n", t.TotalTokensUsed)
			fmt.Printf("iterations:  max %d\n", t.EndCriteria.MaxIterations)
			if t.ErrorMessage != "" {
				fmt.Printf("error:       %s\n", t.ErrorMessage)
			}
			if t.Summary != "" {
				fmt.Printf("summary:     %s\n", t.Summary)
			}
			return nil
		},
	}
}

func newTaskStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id|name>",
		Short: "Stop a task: kill any live agent process and mark STOPPED",
		Args:  cobra.ExactArgs(1),
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

			t, err := lookupTask(st, args[0])
			if err != nil {
				return err
			}
			if t.ProcessPID != nil {
				killAgentProcess(*t.ProcessPID)
			}
			status := task.StatusStopped
			if err := st.UpdateFields(t.ID, store.FieldUpdate{Status: &status, ClearProcessPID: true}); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
			fmt.Printf("stopped %s\n", t.Name)
			return nil
		},
	}
}

func newTaskSendCmd() *cobra.Command {
	var images []string
	cmd := &cobra.Command{
		Use:   "send <id|name> <text>",
		Short: "Enqueue new user input for a task",
		Long: `send enqueues text onto the task's user-input FIFO. If the task has a
live agent subprocess, the current turn is preempted (SIGTERM, poll up to
0.5s, SIGKILL) so the new input is picked up sooner; either way, delivery
completes by the daemon's own poll loop rescheduling the task. This is the
out-of-process analogue of internal/taskexec's in-process
InterruptHandler.Deliver, which an embedding program can call directly for
true same-process immediate dispatch.`,
		Args: cobra.ExactArgs(2),
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

			t, err := lookupTask(st, args[0])
			if err != nil {
				return err
			}

			if _, err := queue.Enqueue(t.ID, args[1], images); err != nil {
				if err == inputqueue.ErrDuplicate {
					fmt.Println("blocked: duplicate within the dedup window")
					return nil
				}
				return fmt.Errorf("enqueue: %w", err)
			}

			if t.ProcessPID != nil {
				killAgentProcess(*t.ProcessPID)
				if err := st.UpdateFields(t.ID, store.FieldUpdate{ClearProcessPID: true}); err != nil {
					return fmt.Errorf("clear process_pid: %w", err)
				}
			}
			fmt.Println("queued")
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&images, "image", nil, "attach an image path, repeatable")
	return cmd
}

// newTaskRestartCmd implements spec.md §7's recovery operations: a FAILED,
// EXHAUSTED, or STOPPED task goes back to PENDING for the daemon's poll
// loop to pick up. Plain restart clears the session and prepends a
// recovery summary of the last interactions; --clear additionally wipes
// the interaction log and worktree first.
func newTaskRestartCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "restart <id|name>",
		Short: "Restart a FAILED/EXHAUSTED/STOPPED task",
		Args:  cobra.ExactArgs(1),
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

			t, err := lookupTask(st, args[0])
			if err != nil {
				return err
			}

			wt := worktree.NewWithPool(cfg.Worktree.DirName, cfg.Worktree.PoolSize)
			exec := taskexec.New(taskexec.Deps{
				Store:     st,
				Interacts: interaction.NewLog(st),
				Worktrees: wt,
			})

			ctx := context.Background()
			if clear {
				if err := exec.ClearAndRestart(ctx, t.ID); err != nil {
					return fmt.Errorf("clear and restart: %w", err)
				}
				fmt.Printf("cleared and restarted %s\n", t.Name)
				return nil
			}
			if err := exec.Restart(ctx, t.ID); err != nil {
				return fmt.Errorf("restart: %w", err)
			}
			fmt.Printf("restarted %s\n", t.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "delete interaction history and reset the worktree before restarting")
	return cmd
}

// killAgentProcess implements the Immediate-Interrupt Path's kill sequence
// (SIGTERM, poll up to 0.5s, SIGKILL) for a caller that does not hold the
// in-process taskexec.InterruptHandler driving that task.
func killAgentProcess(pid int) {
	_ = agent.Interrupt(pid)
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !agent.Alive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if agent.Alive(pid) {
		_ = agent.ForceKill(pid)
	}
}

func lookupTask(st *store.Store, idOrName string) (*task.Task, error) {
	if t, err := st.GetTask(idOrName); err == nil {
		return t, nil
	}
	t, err := st.GetTaskByName(idOrName)
	if err != nil {
		return nil, fmt.Errorf("task %q not found", idOrName)
	}
	return t, nil
}
