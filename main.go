package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomchat/loomchat/pkg/config"
	"github.com/loomchat/loomchat/pkg/utils"
)

// main is the entry point of the chat server. It loads configuration, wires
// the service stack and serves until interrupted.
func main() {
	// Initialize logging system
	utils.InitLogger()
	logger := utils.GetLogger()

	// Write a starter config on first run so users have something to edit.
	if _, err := config.EnsureDefaultConfig(); err != nil {
		logger.Warn("Could not write default config file", "error", err)
	}

	cfg, path, err := config.Load()
	if err != nil {
		logger.Warn("Failed to load config; falling back to defaults", "path", path, "error", err)
		cfg = &config.AppConfig{}
	} else {
		logger.Info("Configuration loaded", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(cfg)
	if err := server.Start(ctx); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
