// Command antfarmd runs the Antfarm scheduler daemon: the ticker loop that
// peeks and spawns work for every daemon-scheduled workflow, the Recovery
// Sweeper, and the local HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vardasoft/antfarm/pkg/config"
	"github.com/vardasoft/antfarm/pkg/daemon"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	cfg, err := config.Load(filepath.Join(*configDir, "antfarm.yaml"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := daemon.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build daemon: %v", err)
	}

	slog.Info("antfarmd: starting", "listen_addr", cfg.ListenAddr, "workflow_dir", cfg.WorkflowDir)
	if err := app.Run(ctx); err != nil {
		log.Fatalf("daemon exited: %v", err)
	}
}
