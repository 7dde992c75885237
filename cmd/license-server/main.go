// Command license-server runs the activation authority.
//
// Configuration comes from config.yaml (or LICENSE_CONFIG) and LICENSE_*
// environment variables. The process exits on SIGINT or SIGTERM after
// draining in-flight requests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/DhaneshPachipulusu/license-poc/internal/app"
	"github.com/DhaneshPachipulusu/license-poc/internal/config"
	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "license-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := app.NewServer(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize license server", slog.String("error", err.Error()))
		return err
	}
	return server.Run(ctx)
}
