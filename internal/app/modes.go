package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dayahead/internal/bidfile"
	"github.com/alanyoungcy/dayahead/internal/domain"
	"github.com/alanyoungcy/dayahead/internal/server"
	"github.com/alanyoungcy/dayahead/internal/server/handler"
	"github.com/alanyoungcy/dayahead/internal/server/ws"
	"github.com/alanyoungcy/dayahead/internal/service"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and the websocket feed until ctx is
// cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	svc := deps.Service(a.cfg, a.logger)
	m := a.cfg.Market

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Channels:  []string{service.ChannelClearing},
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, handler.MarketInfo{
			Hours:             m.Hours,
			MinPrice:          m.MinPrice,
			MaxPrice:          m.MaxPrice,
			RemovedPercentage: m.RemovedPercentage,
			MustClear:         m.MustClearCategories,
		}),
		Days:  handler.NewDayHandler(svc, deps.Engine, a.logger),
		Audit: handler.NewAuditHandler(svc, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// ClearMode clears one bid book file and exits.
func (a *App) ClearMode(ctx context.Context, deps *Dependencies) error {
	if a.clear.BookPath == "" {
		return fmt.Errorf("clear mode: no bid book given")
	}
	book, err := bidfile.Load(a.clear.BookPath)
	if err != nil {
		return fmt.Errorf("clear mode: %w", err)
	}
	if a.clear.Date != "" {
		date, err := time.Parse(time.DateOnly, a.clear.Date)
		if err != nil {
			return fmt.Errorf("clear mode: date %q: %w", a.clear.Date, domain.ErrInvalidInput)
		}
		book.Date = date
	}

	res, err := deps.Service(a.cfg, a.logger).ClearDay(ctx, book, a.clear.Force)
	if err != nil {
		return fmt.Errorf("clear mode: %w", err)
	}

	traded := 0
	for _, o := range res.Hours {
		if o.Traded() {
			traded++
		}
	}
	a.logger.InfoContext(ctx, "day cleared",
		slog.String("date", res.Date.Format(time.DateOnly)),
		slog.String("run_id", res.RunID),
		slog.Int("rounds", res.Rounds),
		slog.Int("dropped", res.Dropped),
		slog.Int("traded_hours", traded),
		slog.Any("infeasible_hours", res.InfeasibleHours()),
	)
	return nil
}

// MigrateMode applies pending schema migrations and exits.
func (a *App) MigrateMode(ctx context.Context, deps *Dependencies) error {
	applied, err := deps.Postgres.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("migrate mode: %w", err)
	}
	a.logger.InfoContext(ctx, "migrations complete", slog.Any("applied", applied))
	return nil
}
