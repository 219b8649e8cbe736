// liveframed is the server daemon hosting the sync engine's WebSocket and
// HTTP surface (spec.md §6): load configuration, compile the resource
// schema, open storage, and serve.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/liveframe/liveframe/pkg/config"
	"github.com/liveframe/liveframe/pkg/liveframed"
	"github.com/liveframe/liveframe/pkg/telemetry"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("liveframed: failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, "liveframed", 30*time.Second)
	if err != nil {
		slog.Warn("liveframed: telemetry disabled, continuing without metrics export", "error", err)
	} else {
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	engine, err := liveframed.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("liveframed: failed to initialize engine", "error", err)
		os.Exit(1)
	}

	slog.Info("liveframed: starting", "listen_addr", cfg.ListenAddr, "storage", cfg.StorageDSN, "resources", len(cfg.Resources))
	if err := engine.Server.Start(cfg.ListenAddr); err != nil {
		slog.Error("liveframed: server stopped", "error", err)
		os.Exit(1)
	}
}
