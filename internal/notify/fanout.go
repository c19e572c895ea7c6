package notify

import (
	"context"
	"log/slog"

	"github.com/dinos3741/parksphere-sub000/internal/observability"
	"github.com/dinos3741/parksphere-sub000/internal/presence"
	"github.com/dinos3741/parksphere-sub000/internal/realtime"
)

// Fanout routes lifecycle events to connected clients. Delivery is
// realtime-only, at-most-once, best-effort: an offline recipient is skipped
// silently and a failed write is logged, never retried or queued.
type Fanout struct {
	Hub      *realtime.Hub
	Presence presence.Registry
	Logger   *slog.Logger
}

func NewFanout(hub *realtime.Hub, reg presence.Registry, logger *slog.Logger) *Fanout {
	return &Fanout{Hub: hub, Presence: reg, Logger: logger}
}

// Broadcast delivers to every connected client unconditionally; clients
// filter locally for relevance.
func (f *Fanout) Broadcast(event string, payload any) {
	f.Hub.Each(func(s *realtime.Session) {
		if err := s.Send(event, payload); err != nil {
			observability.NotificationsDropped.WithLabelValues(event).Inc()
			f.Logger.Warn("broadcast send failed", "event", event, "transport", s.ID(), "error", err)
		}
	})
	observability.NotificationsSent.WithLabelValues(event).Inc()
}

// Send delivers to one user if a presence entry resolves. Returns true when
// the message was handed to a live session.
func (f *Fanout) Send(ctx context.Context, userID int64, event string, payload any) bool {
	entry, ok, err := f.Presence.Lookup(ctx, userID)
	if err != nil {
		f.Logger.Warn("presence lookup failed", "event", event, "user_id", userID, "error", err)
		return false
	}
	if !ok {
		// offline recipient: not an error, the operation already persisted
		return false
	}
	sess, ok := f.Hub.Get(entry.TransportID)
	if !ok {
		// stale presence entry (transport already gone)
		return false
	}
	if err := sess.Send(event, payload); err != nil {
		observability.NotificationsDropped.WithLabelValues(event).Inc()
		f.Logger.Warn("targeted send failed", "event", event, "user_id", userID, "error", err)
		return false
	}
	observability.NotificationsSent.WithLabelValues(event).Inc()
	return true
}

// SendAll fans a targeted event out to several recipients, skipping the
// offline ones.
func (f *Fanout) SendAll(ctx context.Context, userIDs []int64, event string, payload any) {
	for _, id := range userIDs {
		f.Send(ctx, id, event, payload)
	}
}
