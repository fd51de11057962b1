package cmd

import (
	"fileq/internal/api"
	"fileq/internal/config"
	"fileq/internal/worker"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var wc worker.Config
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log.Info().Msgf("API server using queue at %s, %d worker slots", cfg.Queue.Path, cfg.Queue.Workers)

			rt, err := worker.NewRuntime(cfg, wc, log.Logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			worker.RegisterDefaultHandlers(rt)

			api.NewServer(rt).Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	retryFlags(command, &wc)
	return command
}
