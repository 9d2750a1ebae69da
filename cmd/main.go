package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	appconfig "github.com/embervoice/avs-client/internal/config"
	"github.com/embervoice/avs-client/internal/device"
	applogger "github.com/embervoice/avs-client/internal/logger"
	"github.com/embervoice/avs-client/pkg/avs"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	dev := device.NewMplayer(logger)
	if !dev.Exists() {
		logger.Fatal("mplayer not found in PATH")
	}

	client, err := avs.New(cfg, dev, logger)
	if err != nil {
		logger.Fatal("failed to build client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting session",
		zap.String("endpoint", cfg.Connection.Endpoint),
		zap.String("api_version", cfg.Connection.APIVersion),
	)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("session ended", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
