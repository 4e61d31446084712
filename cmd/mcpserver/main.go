package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	flag "github.com/spf13/pflag"

	"bounty-settlement/config"
	"bounty-settlement/container"
)

// mcpserver runs the settlement pipeline with the operator tools on stdio.
// Logs go to stderr since stdout carries the protocol.
func main() {
	configPath := flag.String("config", "", "path to YAML config (default $SETTLEMENT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to init: %v", err)
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	logger.Info("settlement MCP server starting", "driver", cfg.Store.Driver, "version", container.Version)
	if err := server.ServeStdio(c.MCPServer.GetMCPServer()); err != nil {
		logger.Error("server error", "error", err)
	}
}
