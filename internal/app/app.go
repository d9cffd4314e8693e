// Package app provides the top-level lifecycle of the day-ahead clearing
// service. It wires the stores, caches, blob storage, engine and
// notifications and runs the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/dayahead/internal/config"
)

// ClearOptions select the book cleared by the "clear" mode.
type ClearOptions struct {
	BookPath string
	// Date overrides the delivery date of the book file (YYYY-MM-DD).
	Date  string
	Force bool
}

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	clear   ClearOptions
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, clear ClearOptions, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		clear:  clear,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, runs the selected mode and blocks until it
// finishes or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	mode := strings.ToLower(a.cfg.Mode)
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case "server":
		return a.ServerMode(ctx, deps)
	case "clear":
		return a.ClearMode(ctx, deps)
	case "migrate":
		return a.MigrateMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
