// Package cmd implements the archiver command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/config"
	"github.com/JakeFAU/media-archiver/internal/logging"
)

var cfgFile string

type envKeyType string

const envKey envKeyType = "env"

// env carries the loaded configuration and logger to subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newLogger is a variable so tests can silence output.
var newLogger = func(cfg config.LoggingConfig) (*zap.Logger, error) {
	return logging.New(cfg.Development, logging.WithLevel(cfg.Level), logging.WithService("archiver"))
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "Self-hosted media archiving service.",
		Long: `archiver accepts archive requests from a browser extension, downloads
media with the best available tool and keeps a deduplicated local archive.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e := envFrom(cmd); e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml); ARCHIVER_* env vars override it")
	cmd.AddCommand(newServeCmd(), newCheckCmd())
	return cmd
}

func envFrom(cmd *cobra.Command) *env {
	e, _ := cmd.Context().Value(envKey).(*env)
	return e
}

// Execute runs the root command.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
