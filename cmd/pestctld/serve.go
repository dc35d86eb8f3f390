package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pestctl/pestctl/internal/config"
	"github.com/pestctl/pestctl/internal/coordinator"
	"github.com/pestctl/pestctl/internal/logger"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var configPath string
	var listenFlag string
	var authorityFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator: accept site visits and reconcile policies against the authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if listenFlag != "" {
				cfg.ListenAddr = listenFlag
			}
			if authorityFlag != "" {
				cfg.AuthorityAddr = authorityFlag
			}

			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			sup := coordinator.New(coordinator.Config{
				ListenAddr:       cfg.ListenAddr,
				ListenBacklog:    cfg.ListenBacklog,
				AuthorityAddr:    cfg.AuthorityAddr,
				AuthorityTimeout: cfg.AuthorityTimeout,
				MaxFrameSize:     cfg.MaxFrameSize,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("pestctld starting", "listen", cfg.ListenAddr, "authority", cfg.AuthorityAddr)
			if err := sup.Run(ctx); err != nil {
				return fmt.Errorf("coordinator: %w", err)
			}
			logger.Info("pestctld shut down cleanly")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to pestctl.yaml (default ~/.pestctl/pestctl.yaml)")
	cmd.Flags().StringVar(&listenFlag, "listen", "", "override listen address (default 0.0.0.0:8080)")
	cmd.Flags().StringVar(&authorityFlag, "authority", "", "override authority endpoint address")

	return cmd
}
