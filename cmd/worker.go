package cmd

import (
	"time"

	"fileq/internal/worker"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var wc worker.Config

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Run one worker until it retires",
		RunE: func(cmd *cobra.Command, args []string) error {
			if wc.Debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return worker.Run(wc)
		},
	}

	command.Flags().BoolVar(&wc.Retire, "retire", false, "Stop as soon as no task is eligible")
	command.Flags().BoolVar(&wc.Debug, "debug", false, "Log at debug level")
	retryFlags(command, &wc)
	return command
}

// retryFlags binds the retry policy handlers use when they reschedule a failed task.
func retryFlags(command *cobra.Command, wc *worker.Config) {
	command.Flags().DurationVar(&wc.BaseBackoff, "base-backoff", 500*time.Millisecond, "Base backoff duration")
	command.Flags().DurationVar(&wc.MaxBackoff, "max-backoff", 30*time.Second, "Max backoff duration")
	command.Flags().IntVar(&wc.MaxAttempts, "max-attempts", 5, "Max attempts per task, 0 for unlimited")
}
