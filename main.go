package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"depot/internal/api"
	"depot/internal/config"
	"depot/internal/logging"
	"depot/internal/parcel"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadOrDefault(config.ConfigPath())
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := parcel.New(ctx, cfg, logger.Logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("store", cfg.Store.Path), zap.Error(err))
	}
	defer p.Close()

	handler := api.NewRouter(api.NewHandler(p.Graph, p.Checkouts, logger))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := api.Serve(ctx, addr, handler, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}
