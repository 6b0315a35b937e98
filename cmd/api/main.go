// Package main is the entry point for the hook telemetry server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/onnwee/hookpulse/internal/config"
	"github.com/onnwee/hookpulse/internal/hook"
	"github.com/onnwee/hookpulse/internal/middleware"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	if *help {
		fmt.Println("hookpulse server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Every setting can also be given as a HOOKPULSE_* environment variable.")
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) == 0 {
		errs = cfg.Validate()
	}
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		logger.Error("failed to listen", "port", cfg.Port, "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger, ln); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// run serves on ln until ctx is cancelled, then shuts everything down.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}

	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Blocking hooks may hold a request for up to their own timeout.
		WriteTimeout: hook.MaxTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", ln.Addr().String(), "version", version)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			a.shutdown(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Live feeds are hijacked and not tracked by Shutdown; ending the app
	// lifetime closes them.
	a.endLifetime()
	err = server.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	a.shutdown(shutdownCtx)

	logger.Info("server stopped")
	return err
}
