package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/liveframe/liveframe/pkg/config"
	"github.com/liveframe/liveframe/pkg/liveframed"
	"github.com/liveframe/liveframe/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Initialize(ctx, configDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			shutdownTelemetry, err := telemetry.Init(ctx, "liveframectl-serve", 30*time.Second)
			if err == nil {
				defer func() { _ = shutdownTelemetry(context.Background()) }()
			}

			engine, err := liveframed.Bootstrap(ctx, cfg)
			if err != nil {
				return fmt.Errorf("bootstrap engine: %w", err)
			}

			cmd.Printf("liveframectl: serving on %s (storage=%s, resources=%d)\n",
				cfg.ListenAddr, cfg.StorageDSN, len(cfg.Resources))
			return engine.Server.Start(cfg.ListenAddr)
		},
	}
}
