package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"fileq/internal/config"
	"fileq/internal/domain"
	"fileq/internal/queue"

	"github.com/spf13/cobra"
)

func openQueue() (*queue.Manager, error) {
	return queue.New(config.Load().Queue)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func queueCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the task queue",
	}

	command.AddCommand(queueStatusCmd())
	command.AddCommand(queueListCmd())
	command.AddCommand(queueAddCmd())
	command.AddCommand(queueCancelCmd())
	command.AddCommand(queueRestartCmd())
	command.AddCommand(queueTokensCmd())
	return command
}

func queueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts, workers and trigger health",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openQueue()
			if err != nil {
				return err
			}
			st, err := m.Status()
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

func queueListCmd() *cobra.Command {
	var filter string
	var files bool

	var command = &cobra.Command{
		Use:   "list",
		Short: "List tasks in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := domain.ParseFilter(filter)
			if err != nil {
				return err
			}
			m, err := openQueue()
			if err != nil {
				return err
			}
			if files {
				paths, err := m.TaskFiles(f)
				if err != nil {
					return err
				}
				for _, p := range paths {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			}
			tasks, err := m.Tasks(f)
			if err != nil {
				return err
			}
			return printJSON(cmd, tasks)
		},
	}

	command.Flags().StringVar(&filter, "filter", "all", "all, current or future")
	command.Flags().BoolVar(&files, "files", false, "Print task file paths only")
	return command
}

func queueAddCmd() *cobra.Command {
	var (
		data  string
		delay time.Duration
		hash  string
	)

	var command = &cobra.Command{
		Use:   "add <type> <id>",
		Short: "Schedule a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := domain.Task{Type: args[0], ID: args[1]}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &t.Data); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			if delay > 0 {
				t.ScheduledTime = time.Now().Add(delay)
			}
			m, err := openQueue()
			if err != nil {
				return err
			}
			path, err := m.AddTaskWithHash(t, hash)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	command.Flags().StringVar(&data, "data", "", "Task data as a JSON object")
	command.Flags().DurationVar(&delay, "delay", 0, "Run the task after this delay")
	command.Flags().StringVar(&hash, "hash", "", "Correlation hash, used by cancel")
	return command
}

func queueCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <hash>",
		Short: "Delete pending tasks scheduled under a correlation hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openQueue()
			if err != nil {
				return err
			}
			deleted, err := m.DeleteTasksByHash(args[0])
			if err != nil {
				return err
			}
			for _, p := range deleted {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func queueRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Revoke every worker slot so running workers stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openQueue()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d worker slots\n", m.RestartWorkers())
			return nil
		},
	}
}

func queueTokensCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:   "tokens",
		Short: "List submission tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openQueue()
			if err != nil {
				return err
			}
			tokens, err := m.Tokens()
			if err != nil {
				return err
			}
			for _, t := range tokens {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}

	command.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a submission token",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openQueue()
			if err != nil {
				return err
			}
			token, err := m.CreateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})
	command.AddCommand(&cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a submission token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openQueue()
			if err != nil {
				return err
			}
			return m.RevokeToken(args[0])
		},
	})
	return command
}
