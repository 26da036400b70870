package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/config"
	"github.com/JakeFAU/media-archiver/internal/server"
)

// runner is the part of server.App the serve command uses.
type runner interface {
	Run(ctx context.Context) error
}

var buildApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (runner, error) {
	return server.Build(ctx, cfg, logger)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and download workers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := envFrom(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(ctx, e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			e.logger.Info("starting archiver",
				zap.String("name", e.cfg.Server.Name),
				zap.Int("port", e.cfg.Server.Port),
				zap.String("root", e.cfg.Storage.RootDir),
			)
			return app.Run(ctx)
		},
	}
}
