package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/dayahead/internal/domain"
	"github.com/alanyoungcy/dayahead/internal/notify"
)

const (
	// ChannelClearing carries live clearing events.
	ChannelClearing = "clearing"
	// StreamClearing keeps the replayable history of the same events.
	StreamClearing = "clearing:history"
)

// Clearer runs the auction for one day. *clearing.Engine satisfies it.
type Clearer interface {
	ClearDay(ctx context.Context, book domain.BidBook) (*domain.DayResult, error)
}

// Alerter delivers operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ClearingEvent is published on ChannelClearing.
type ClearingEvent struct {
	Type      string               `json:"type"`
	Date      string               `json:"date"`
	RunID     string               `json:"run_id,omitempty"`
	Rounds    int                  `json:"rounds,omitempty"`
	Hours     []domain.HourOutcome `json:"hours,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// ClearingDeps are the collaborators of a ClearingService. Engine and
// Results are required; the rest may be nil.
type ClearingDeps struct {
	Engine   Clearer
	Results  domain.ResultStore
	Cache    domain.PriceCache
	Locks    domain.LockManager
	Bus      domain.SignalBus
	Archiver domain.Archiver
	Archive  domain.BlobReader
	Audit    domain.AuditStore
	Alerts   Alerter
}

// ClearingOptions tune a ClearingService.
type ClearingOptions struct {
	LockTTL       time.Duration
	AllowReclear  bool
	ArchivePrefix string
}

// ClearingService runs clearing for a delivery day and fans the result out
// to storage, cache, bus, archive and alerts.
type ClearingService struct {
	deps   ClearingDeps
	opts   ClearingOptions
	logger *slog.Logger
}

// NewClearingService creates a ClearingService.
func NewClearingService(deps ClearingDeps, opts ClearingOptions, logger *slog.Logger) *ClearingService {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	return &ClearingService{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "clearing_service")),
	}
}

// ClearDay clears book for its delivery date and persists the result.
// A day that was already cleared is rejected with domain.ErrAlreadyCleared
// unless force is set or re-clearing is allowed by configuration. A
// concurrent clear of the same day yields domain.ErrLockHeld.
func (s *ClearingService) ClearDay(ctx context.Context, book domain.BidBook, force bool) (*domain.DayResult, error) {
	if book.Date.IsZero() {
		return nil, fmt.Errorf("clearing_service: book has no delivery date: %w", domain.ErrInvalidInput)
	}
	day := book.Date.Format(time.DateOnly)

	if s.deps.Locks != nil {
		unlock, err := s.deps.Locks.Acquire(ctx, "clear:"+day, s.opts.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("clearing_service: lock %s: %w", day, err)
		}
		defer unlock()
	}

	exists, err := s.deps.Results.Exists(ctx, book.Date)
	if err != nil {
		return nil, fmt.Errorf("clearing_service: check %s: %w", day, err)
	}
	if exists && !force && !s.opts.AllowReclear {
		return nil, fmt.Errorf("clearing_service: %s: %w", day, domain.ErrAlreadyCleared)
	}

	res, err := s.deps.Engine.ClearDay(ctx, book)
	if err != nil {
		s.failed(ctx, day, err)
		return nil, fmt.Errorf("clearing_service: clear %s: %w", day, err)
	}
	if err := s.deps.Results.SaveDay(ctx, res); err != nil {
		s.failed(ctx, day, err)
		return nil, fmt.Errorf("clearing_service: save %s: %w", day, err)
	}

	// Everything past persistence is best effort.
	if s.deps.Cache != nil {
		if err := s.deps.Cache.SetDay(ctx, res.Date, res.Hours); err != nil {
			s.logger.WarnContext(ctx, "cache prices failed",
				slog.String("date", day),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publish(ctx, ClearingEvent{
		Type:      notify.EventDayCleared,
		Date:      day,
		RunID:     res.RunID,
		Rounds:    res.Rounds,
		Hours:     res.Hours,
		Timestamp: res.ClearedAt,
	})

	archivePath := ""
	if s.deps.Archiver != nil {
		archivePath, err = s.deps.Archiver.ArchiveDay(ctx, book, res)
		if err != nil {
			s.logger.WarnContext(ctx, "archive failed",
				slog.String("date", day),
				slog.String("run_id", res.RunID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.deps.Audit != nil {
		if err := s.deps.Audit.Log(ctx, "day.cleared", map[string]any{
			"date":    day,
			"run_id":  res.RunID,
			"rounds":  res.Rounds,
			"dropped": res.Dropped,
			"forced":  exists,
			"archive": archivePath,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	s.alertInfeasible(ctx, res)
	s.alert(ctx, notify.EventDayCleared, "Cleared "+day,
		fmt.Sprintf("run %s, %d rounds, %d bids, %d dropped", res.RunID, res.Rounds, len(res.Bids), res.Dropped))
	return res, nil
}

// GetDay returns the stored result of date.
func (s *ClearingService) GetDay(ctx context.Context, date time.Time) (*domain.DayResult, error) {
	res, err := s.deps.Results.GetDay(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("clearing_service: get day %s: %w", date.Format(time.DateOnly), err)
	}
	return res, nil
}

// Prices returns the hourly outcomes of date, from the cache when present.
// A cache miss is filled from the result store.
func (s *ClearingService) Prices(ctx context.Context, date time.Time) ([]domain.HourOutcome, error) {
	if s.deps.Cache != nil {
		hours, err := s.deps.Cache.GetDay(ctx, date)
		if err == nil {
			return hours, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "price cache read failed", slog.String("error", err.Error()))
		}
	}

	res, err := s.deps.Results.GetDay(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("clearing_service: prices %s: %w", date.Format(time.DateOnly), err)
	}
	if s.deps.Cache != nil {
		if err := s.deps.Cache.SetDay(ctx, date, res.Hours); err != nil {
			s.logger.WarnContext(ctx, "price cache fill failed", slog.String("error", err.Error()))
		}
	}
	return res.Hours, nil
}

// GetHour returns one hourly outcome, from the cache when present.
func (s *ClearingService) GetHour(ctx context.Context, date time.Time, hour int) (domain.HourOutcome, error) {
	if hour < 0 || hour >= domain.HoursPerDay {
		return domain.HourOutcome{}, fmt.Errorf("clearing_service: hour %d: %w", hour, domain.ErrInvalidInput)
	}
	if s.deps.Cache != nil {
		o, err := s.deps.Cache.GetHour(ctx, date, hour)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "price cache read failed", slog.String("error", err.Error()))
		}
	}
	o, err := s.deps.Results.GetHour(ctx, date, hour)
	if err != nil {
		return domain.HourOutcome{}, fmt.Errorf("clearing_service: get hour %s/%d: %w",
			date.Format(time.DateOnly), hour, err)
	}
	return o, nil
}

// ListDays lists cleared days, newest first.
func (s *ClearingService) ListDays(ctx context.Context, opts domain.ListOpts) ([]domain.DaySummary, error) {
	days, err := s.deps.Results.ListDays(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("clearing_service: list days: %w", err)
	}
	return days, nil
}

// Archives lists the archived objects of date. It returns an empty list
// when archiving is disabled.
func (s *ClearingService) Archives(ctx context.Context, date time.Time) ([]domain.BlobInfo, error) {
	if s.deps.Archive == nil {
		return nil, nil
	}
	prefix := date.Format(time.DateOnly) + "/"
	if p := strings.TrimSuffix(s.opts.ArchivePrefix, "/"); p != "" {
		prefix = p + "/" + prefix
	}
	infos, err := s.deps.Archive.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("clearing_service: list archives: %w", err)
	}
	return infos, nil
}

// AuditLog lists audit entries matching q. It returns an empty list when
// no audit store is wired.
func (s *ClearingService) AuditLog(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	if s.deps.Audit == nil {
		return nil, nil
	}
	entries, err := s.deps.Audit.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("clearing_service: audit log: %w", err)
	}
	return entries, nil
}

// History replays clearing events after lastID.
func (s *ClearingService) History(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	if s.deps.Bus == nil {
		return nil, nil
	}
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := s.deps.Bus.StreamRead(ctx, StreamClearing, lastID, count)
	if err != nil {
		return nil, fmt.Errorf("clearing_service: history: %w", err)
	}
	return msgs, nil
}

func (s *ClearingService) publish(ctx context.Context, evt ClearingEvent) {
	if s.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal clearing event", slog.String("error", err.Error()))
		return
	}
	if err := s.deps.Bus.Publish(ctx, ChannelClearing, payload); err != nil {
		s.logger.WarnContext(ctx, "publish clearing event failed",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
	if err := s.deps.Bus.StreamAppend(ctx, StreamClearing, payload); err != nil {
		s.logger.WarnContext(ctx, "append clearing event failed",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ClearingService) failed(ctx context.Context, day string, cause error) {
	s.logger.ErrorContext(ctx, "clearing failed",
		slog.String("date", day),
		slog.String("error", cause.Error()),
	)
	s.publish(ctx, ClearingEvent{Type: notify.EventClearFailed, Date: day, Error: cause.Error(), Timestamp: time.Now().UTC()})
	s.alert(ctx, notify.EventClearFailed, "Clearing failed for "+day, cause.Error())
}

func (s *ClearingService) alertInfeasible(ctx context.Context, res *domain.DayResult) {
	day := res.Date.Format(time.DateOnly)
	for _, h := range res.InfeasibleHours() {
		o := res.Hours[h]
		s.alert(ctx, notify.EventInfeasibleHour,
			fmt.Sprintf("Hour %d of %s is infeasible", h, day),
			fmt.Sprintf("%s: price %.2f, volume %.2f (run %s)", o.Kind, o.Price, o.Volume, res.RunID))
	}
}

func (s *ClearingService) alert(ctx context.Context, event, title, message string) {
	if s.deps.Alerts == nil {
		return
	}
	if err := s.deps.Alerts.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
