// Package notify fans operator alerts about clearing runs out to chat
// webhooks. Alerts are filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Event types raised by the clearing service.
const (
	EventDayCleared     = "day_cleared"
	EventInfeasibleHour = "infeasible_hour"
	EventClearFailed    = "clear_failed"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every Sender whose event passes the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list lets every event
// through.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event would be delivered anywhere.
func (n *Notifier) Enabled(event string) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// Notify delivers the alert to every sender. A failing sender does not stop
// the others; all failures are joined into the returned error.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled(event) {
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
