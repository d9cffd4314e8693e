package handler

import (
	"net/http"
	"time"
)

// MarketInfo is the public part of the auction configuration.
type MarketInfo struct {
	Hours             int      `json:"hours"`
	MinPrice          float64  `json:"min_price"`
	MaxPrice          float64  `json:"max_price"`
	RemovedPercentage float64  `json:"removed_percentage"`
	MustClear         []string `json:"must_clear_categories"`
}

// StatusHandler reports the service mode and auction parameters.
type StatusHandler struct {
	mode      string
	market    MarketInfo
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, market MarketInfo) *StatusHandler {
	return &StatusHandler{mode: mode, market: market, startedAt: time.Now().UTC()}
}

// GetStatus responds with mode, uptime and market parameters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"market":         h.market,
	})
}
