package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/dinos3741/parksphere-sub000/internal/lifecycle"
	"github.com/dinos3741/parksphere-sub000/internal/notify"
	"github.com/dinos3741/parksphere-sub000/internal/observability"
	"github.com/dinos3741/parksphere-sub000/internal/store"
)

// Sweeper retires spots whose declared lifetime has elapsed, independent of
// any client action. It broadcasts the same spotDeleted shape as manual
// deletion and settlement, so clients need one handler for "spot is gone"
// regardless of cause. A spot with an accepted request has its reservation
// released (and any escrow hold cancelled) before deletion.
type Sweeper struct {
	Store    store.Store
	Notify   lifecycle.Notifier
	Escrow   lifecycle.Escrow // optional
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return 15 * time.Second
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run blocks until ctx is cancelled, sweeping on a fixed interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	s.Logger.Info("expiry sweeper started", "interval", s.interval().String())
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Losing a race with a concurrent settle or delete is
// normal: the store skips rows that vanished, and a duplicate spotDeleted
// broadcast is tolerated by clients (idempotent on unknown spot ids).
func (s *Sweeper) Sweep(ctx context.Context) {
	retired, err := s.Store.ExpireDueSpots(ctx, s.now())
	if err != nil {
		observability.SweepErrors.Inc()
		s.Logger.Error("expiry sweep failed", "error", err)
		return
	}
	for _, ret := range retired {
		observability.SpotsExpired.Inc()
		observability.SpotsActive.Dec()
		if ret.ReleasedUser != 0 {
			s.Logger.Info("released abandoned reservation",
				"spot_id", ret.Spot.ID, "requester_id", ret.ReleasedUser)
			if ret.ReleasedHold != "" && s.Escrow != nil {
				if err := s.Escrow.Cancel(ctx, ret.ReleasedHold); err != nil {
					s.Logger.Warn("escrow release failed", "hold", ret.ReleasedHold, "error", err)
				}
			}
		}
		s.Notify.Broadcast(notify.EventSpotDeleted, notify.SpotDeleted{
			SpotID:       ret.Spot.ID,
			OwnerID:      ret.Spot.OwnerID,
			RequesterIDs: ret.RequesterIDs,
		})
		s.Logger.Info("spot expired", "spot_id", ret.Spot.ID, "owner_id", ret.Spot.OwnerID,
			"requesters", len(ret.RequesterIDs))
	}
}
