package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-core/internal/config"
	"chat-core/internal/logging"
)

func newRootCommand() *cobra.Command {
	var configPath string

	load := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		logger, err := logging.New(cfg.App.Env, cfg.App.LogLevel)
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP, websocket and gRPC health servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the message store schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			_, closeStore, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("message store ready", zap.String("driver", cfg.Store.Driver))
			return closeStore()
		},
	}

	root := &cobra.Command{
		Use:          "chat-core",
		Short:        "Direct-message delivery and presence service",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serveCmd.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(serveCmd, migrateCmd)
	return root
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
