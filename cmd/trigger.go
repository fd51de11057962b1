package cmd

import (
	"context"
	"errors"
	"os"
	"time"

	"fileq/internal/api"
	"fileq/internal/config"
	"fileq/internal/queue"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// triggerCmd is meant to run from cron: it pings the queue API and starts a worker.
// Failures are recorded locally so the status endpoint can report a broken trigger.
func triggerCmd() *cobra.Command {
	var (
		baseURL string
		token   string
		timeout time.Duration
		retire  bool
	)

	var command = &cobra.Command{
		Use:   "trigger",
		Short: "Ping the queue API and start a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if token == "" {
				token = os.Getenv("Queue_Token")
			}
			if token == "" {
				m, err := queue.New(cfg.Queue)
				if err != nil {
					return err
				}
				tokens, err := m.Tokens()
				if err != nil {
					return err
				}
				token = tokens[0]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			host, _ := os.Hostname()
			c := api.NewClient(baseURL, token, timeout)
			err := errors.Join(
				c.Ping(ctx, cfg.Queue.PingType, "trigger-"+host),
				c.SpawnWorker(ctx, retire),
			)
			if err == nil {
				log.Debug().Msg("trigger ping sent")
				return nil
			}

			m, merr := queue.New(cfg.Queue)
			if merr == nil {
				if rerr := m.RecordTriggerPing(err); rerr != nil {
					log.Warn().Err(rerr).Msg("unable to record trigger failure")
				}
			}
			return err
		},
	}

	command.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "Queue API base URL")
	command.Flags().StringVar(&token, "token", "", "Submission token, defaults to Queue_Token or the first local token")
	command.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	command.Flags().BoolVar(&retire, "retire", true, "Spawned worker stops once the queue is drained")
	return command
}
