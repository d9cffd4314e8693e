package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// writeJSON marshals v and writes it with status. A marshal failure turns
// into a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidBid),
		errors.Is(err, domain.ErrInvalidBlock):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyCleared), errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the mapped status. Server errors get a
// generic message so internals are not leaked.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		writeError(w, status, fallback)
		return
	}
	writeError(w, status, err.Error())
}

// parseListOpts reads limit, offset, since and until from the query.
// limit defaults to 50 and is capped at 500.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = min(n, 500)
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.DateOnly, v)
			if err != nil {
				return opts, fmt.Errorf("%s: %w", p.name, domain.ErrInvalidInput)
			}
			*p.dst = &t
		}
	}
	return opts, nil
}

// pathDate parses the {date} path value as YYYY-MM-DD.
func pathDate(r *http.Request) (time.Time, error) {
	v := r.PathValue("date")
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", v, domain.ErrInvalidInput)
	}
	return d, nil
}

// pathHour parses the {hour} path value.
func pathHour(r *http.Request) (int, error) {
	v := r.PathValue("hour")
	h, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("hour %q: %w", v, domain.ErrInvalidInput)
	}
	return h, nil
}
