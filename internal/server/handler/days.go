package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/dayahead/internal/bidfile"
	"github.com/alanyoungcy/dayahead/internal/clearing"
	"github.com/alanyoungcy/dayahead/internal/domain"
)

// maxBookBytes bounds the size of an uploaded bid book.
const maxBookBytes = 32 << 20

// DayService is what the day handler needs from the service layer.
type DayService interface {
	ClearDay(ctx context.Context, book domain.BidBook, force bool) (*domain.DayResult, error)
	GetDay(ctx context.Context, date time.Time) (*domain.DayResult, error)
	Prices(ctx context.Context, date time.Time) ([]domain.HourOutcome, error)
	GetHour(ctx context.Context, date time.Time, hour int) (domain.HourOutcome, error)
	ListDays(ctx context.Context, opts domain.ListOpts) ([]domain.DaySummary, error)
	Archives(ctx context.Context, date time.Time) ([]domain.BlobInfo, error)
	History(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error)
}

// PeriodClearer clears a single ad-hoc auction. *clearing.Engine
// satisfies it.
type PeriodClearer interface {
	ClearPeriod(ctx context.Context, bids []domain.Bid) (*clearing.PeriodResult, error)
}

// DayHandler serves the clearing endpoints.
type DayHandler struct {
	days   DayService
	period PeriodClearer
	logger *slog.Logger
}

// NewDayHandler creates a DayHandler.
func NewDayHandler(days DayService, period PeriodClearer, logger *slog.Logger) *DayHandler {
	return &DayHandler{days: days, period: period, logger: logger.With(slog.String("handler", "days"))}
}

// ClearDay clears the posted bid book for the date in the path. The body
// is a JSON or YAML book; its own date, if any, must match the path.
// POST /api/days/{date}/clear?force=true
func (h *DayHandler) ClearDay(w http.ResponseWriter, r *http.Request) {
	date, err := pathDate(r)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	book, err := bidfile.Decode(http.MaxBytesReader(w, r.Body, maxBookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !book.Date.IsZero() && !book.Date.Equal(date) {
		writeError(w, http.StatusBadRequest, "book date does not match path")
		return
	}
	book.Date = date
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	res, err := h.days.ClearDay(r.Context(), book, force)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "clear day failed",
				slog.String("date", date.Format(time.DateOnly)),
				slog.String("error", err.Error()),
			)
		}
		writeServiceError(w, err, "failed to clear day")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type listDaysResponse struct {
	Days []domain.DaySummary `json:"days"`
}

// ListDays lists cleared days.
// GET /api/days?since=YYYY-MM-DD&until=YYYY-MM-DD&limit=50&offset=0
func (h *DayHandler) ListDays(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	days, err := h.days.ListDays(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list days failed", slog.String("error", err.Error()))
		writeServiceError(w, err, "failed to list days")
		return
	}
	if days == nil {
		days = []domain.DaySummary{}
	}
	writeJSON(w, http.StatusOK, listDaysResponse{Days: days})
}

// GetDay returns the full result of a cleared day.
// GET /api/days/{date}
func (h *DayHandler) GetDay(w http.ResponseWriter, r *http.Request) {
	date, err := pathDate(r)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	res, err := h.days.GetDay(r.Context(), date)
	if err != nil {
		writeServiceError(w, err, "failed to get day")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPrices returns the hourly outcomes of a day.
// GET /api/days/{date}/prices
func (h *DayHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	date, err := pathDate(r)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	hours, err := h.days.Prices(r.Context(), date)
	if err != nil {
		writeServiceError(w, err, "failed to get prices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date.Format(time.DateOnly), "hours": hours})
}

// GetHour returns one hourly outcome.
// GET /api/days/{date}/hours/{hour}
func (h *DayHandler) GetHour(w http.ResponseWriter, r *http.Request) {
	date, err := pathDate(r)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	hour, err := pathHour(r)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	o, err := h.days.GetHour(r.Context(), date, hour)
	if err != nil {
		writeServiceError(w, err, "failed to get hour")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type startupCost struct {
	Hour int     `json:"hour"`
	Cost float64 `json:"cost"`
}

// GetStartupCosts returns the marginal startup cost of every hour.
// GET /api/days/{date}/startup-costs
func (h *DayHandler) GetStartupCosts(w http.ResponseWriter, r *http.Request) {
	date, err := pathDate(r)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	res, err := h.days.GetDay(r.Context(), date)
	if err != nil {
		writeServiceError(w, err, "failed to get day")
		return
	}
	costs := make([]startupCost, len(res.Hours))
	for i, o := range res.Hours {
		costs[i] = startupCost{Hour: o.Hour, Cost: res.MarginalStartupCost(o.Hour)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date.Format(time.DateOnly), "costs": costs})
}

// ListArchives lists the archived objects of a day.
// GET /api/days/{date}/archive
func (h *DayHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	date, err := pathDate(r)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	infos, err := h.days.Archives(r.Context(), date)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed", slog.String("error", err.Error()))
		writeServiceError(w, err, "failed to list archives")
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": infos})
}

type eventEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents replays clearing events from the history stream.
// GET /api/events?after=ID&count=100
func (h *DayHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = min(n, 1000)
		}
	}
	msgs, err := h.days.History(r.Context(), r.URL.Query().Get("after"), count)
	if err != nil {
		writeServiceError(w, err, "failed to read events")
		return
	}
	out := make([]eventEntry, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, eventEntry{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type clearPeriodRequest struct {
	Bids []domain.Bid `json:"bids"`
}

// ClearPeriod clears a single auction without persisting anything.
// POST /api/clear-period
func (h *DayHandler) ClearPeriod(w http.ResponseWriter, r *http.Request) {
	var req clearPeriodRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBookBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.period.ClearPeriod(r.Context(), req.Bids)
	if err != nil {
		writeServiceError(w, err, "failed to clear period")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome": res.Outcome,
		"bids":    res.Bids,
		"dropped": res.Dropped,
	})
}
