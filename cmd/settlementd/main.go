package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	flag "github.com/spf13/pflag"

	"bounty-settlement/config"
	"bounty-settlement/container"
	"bounty-settlement/middleware"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to YAML config (default $SETTLEMENT_CONFIG)")
		listen      = flag.String("listen", "", "HTTP listen address, overrides config")
		storeDriver = flag.String("store-driver", "", "task store: memory, postgres or sqlite")
		logLevel    = flag.String("log-level", "", "debug, info, warn or error")
		enableMCP   = flag.Bool("mcp", true, "serve the operator MCP tools on /mcp")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *storeDriver != "" {
		cfg.Store.Driver = *storeDriver
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return err
	}

	handler := c.Router
	if *enableMCP {
		r := chi.NewRouter()
		mcpHTTP := server.NewStreamableHTTPServer(c.MCPServer.GetMCPServer())
		r.Group(func(g chi.Router) {
			g.Use(middleware.APIAuth(cfg.HTTP.APIKey))
			g.Handle("/mcp", mcpHTTP)
		})
		r.Mount("/", c.Router)
		handler = r
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settlement service listening", "addr", cfg.HTTP.Listen, "store", cfg.Store.Driver, "ledger", cfg.Ledger.Provider, "judge", cfg.Judge.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}
