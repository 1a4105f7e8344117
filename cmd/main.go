package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/celestiaorg/provisioner/internal/app"
	"github.com/celestiaorg/provisioner/internal/config"
	"github.com/celestiaorg/provisioner/internal/logger"
)

func main() {
	logger.InitializeAndConfigure()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	a, err := app.New(cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}

	err = a.Run(ctx)
	a.Close()
	if err != nil {
		logger.Errorf("Exiting: %v", err)
		os.Exit(1)
	}
}
