package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dinos3741/parksphere-sub000/internal/geo"
	"github.com/dinos3741/parksphere-sub000/internal/models"
	"github.com/dinos3741/parksphere-sub000/internal/notify"
	"github.com/dinos3741/parksphere-sub000/internal/observability"
	"github.com/dinos3741/parksphere-sub000/internal/store"
)

// Notifier is the slice of fan-out the coordinator needs.
type Notifier interface {
	Broadcast(event string, payload any)
	Send(ctx context.Context, userID int64, event string, payload any) bool
	SendAll(ctx context.Context, userIDs []int64, event string, payload any)
}

// Journal receives a copy of every committed lifecycle event, best-effort.
type Journal interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Escrow mirrors the credit reservation against an external payment hold for
// paid spots. The credit ledger stays authoritative; escrow failures are
// logged, not propagated.
type Escrow interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// Coordinator owns every request-lifecycle transition and emits the realtime
// events around them. All consistency comes from the store's short atomic
// transactions; the coordinator never holds state between calls.
type Coordinator struct {
	Store      store.Store
	Notify     Notifier
	Journal    Journal // optional
	Escrow     Escrow  // optional
	Logger     *slog.Logger
	SpeedMps   float64 // assumed travel speed for ETA feedback
	FuzzMeters float64 // privacy offset applied before broadcasting locations
	Now        func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) journal(ctx context.Context, event string, payload any) {
	if c.Journal == nil {
		return
	}
	if err := c.Journal.Publish(ctx, event, payload); err != nil {
		c.Logger.Warn("journal publish failed", "event", event, "error", err)
	}
}

// DeclareSpot creates a spot for its owner (at most one active spot each)
// and broadcasts it with fuzzed coordinates; the true location is revealed
// only to an accepted requester.
func (c *Coordinator) DeclareSpot(ctx context.Context, s models.Spot) (models.Spot, error) {
	if err := geo.Validate(s.Loc); err != nil {
		return models.Spot{}, err
	}
	if s.TimeToLeave <= 0 {
		return models.Spot{}, fmt.Errorf("%w: time_to_leave must be positive", store.ErrConflict)
	}
	created, err := c.Store.CreateSpot(ctx, s)
	if err != nil {
		observability.RequestsTotal.WithLabelValues("declare_spot", outcome(err)).Inc()
		return models.Spot{}, err
	}
	observability.RequestsTotal.WithLabelValues("declare_spot", "ok").Inc()
	observability.SpotsActive.Inc()

	public := created
	public.Loc = geo.Fuzz(created.Loc, c.FuzzMeters)
	c.Notify.Broadcast(notify.EventNewParkingSpot, public)
	c.journal(ctx, "spot_declared", created)
	return created, nil
}

// EditSpot updates leave time, cost and comments; ownership never transfers.
func (c *Coordinator) EditSpot(ctx context.Context, s models.Spot) (models.Spot, error) {
	updated, err := c.Store.UpdateSpot(ctx, s)
	if err != nil {
		observability.RequestsTotal.WithLabelValues("edit_spot", outcome(err)).Inc()
		return models.Spot{}, err
	}
	observability.RequestsTotal.WithLabelValues("edit_spot", "ok").Inc()

	public := updated
	public.Loc = geo.Fuzz(updated.Loc, c.FuzzMeters)
	c.Notify.Broadcast(notify.EventSpotUpdated, public)
	c.journal(ctx, "spot_updated", updated)
	return updated, nil
}

// DeleteSpot is the owner-initiated removal. Like every other way a spot
// dies, it releases any outstanding reservation and broadcasts one
// spotDeleted listing every requester the spot ever had.
func (c *Coordinator) DeleteSpot(ctx context.Context, spotID, ownerID int64) error {
	ret, err := c.Store.RetireSpot(ctx, spotID, ownerID)
	if err != nil {
		observability.RequestsTotal.WithLabelValues("delete_spot", outcome(err)).Inc()
		return err
	}
	observability.RequestsTotal.WithLabelValues("delete_spot", "ok").Inc()
	observability.SpotsActive.Dec()

	c.releaseEscrow(ctx, ret.ReleasedHold)
	c.Notify.Broadcast(notify.EventSpotDeleted, notify.SpotDeleted{
		SpotID:       ret.Spot.ID,
		OwnerID:      ret.Spot.OwnerID,
		RequesterIDs: ret.RequesterIDs,
	})
	c.journal(ctx, "spot_deleted", ret.Spot)
	return nil
}

// RequestSpot records (or reactivates) a pending request and pings the owner
// if they are online. The requester is told the request was recorded either
// way; a missed owner notification is not queued.
func (c *Coordinator) RequestSpot(ctx context.Context, spotID, requesterID int64, at models.Coord) (models.Request, error) {
	if err := geo.Validate(at); err != nil {
		observability.RequestsTotal.WithLabelValues("request_spot", "invalid").Inc()
		return models.Request{}, err
	}
	spot, err := c.Store.GetSpot(ctx, spotID)
	if err != nil {
		observability.RequestsTotal.WithLabelValues("request_spot", outcome(err)).Inc()
		return models.Request{}, err
	}
	requester, err := c.Store.GetUser(ctx, requesterID)
	if err != nil {
		return models.Request{}, err
	}
	// distance is measured against the spot's true coordinates and fixed
	// at request time
	dist := geo.Haversine(at, spot.Loc)

	req, reactivated, err := c.Store.PlaceRequest(ctx, spotID, requesterID, dist, c.now())
	if err != nil {
		observability.RequestsTotal.WithLabelValues("request_spot", outcome(err)).Inc()
		return models.Request{}, err
	}
	observability.RequestsTotal.WithLabelValues("request_spot", "ok").Inc()

	c.Notify.Send(ctx, spot.OwnerID, notify.EventSpotRequest, notify.SpotRequest{
		RequestID:     req.ID,
		SpotID:        spotID,
		RequesterID:   requesterID,
		RequesterName: requester.Username,
		Distance:      dist,
		Message:       fmt.Sprintf("%s wants your spot (%.0f m away)", requester.Username, dist),
	})
	c.Notify.Send(ctx, requesterID, notify.EventETAUpdate, notify.ETAUpdate{
		SpotID:     spotID,
		ETASeconds: geo.EstimateSeconds(at, spot.Loc, c.SpeedMps),
		Distance:   dist,
	})
	c.journal(ctx, "spot_requested", map[string]any{"request": req, "reactivated": reactivated})
	return req, nil
}

// AcceptRequest marks the request accepted and reserves the spot's price on
// the requester, atomically. Only one request per spot can ever be accepted,
// and a requester holds at most one reservation at a time.
func (c *Coordinator) AcceptRequest(ctx context.Context, requestID, spotID, ownerID int64) (store.Acceptance, error) {
	acc, err := c.Store.AcceptRequest(ctx, requestID, spotID, ownerID, c.now())
	if err != nil {
		observability.RequestsTotal.WithLabelValues("accept_request", outcome(err)).Inc()
		return store.Acceptance{}, err
	}
	observability.RequestsTotal.WithLabelValues("accept_request", "ok").Inc()

	if c.Escrow != nil && acc.Spot.CostType == models.CostPaid && acc.Spot.Price > 0 {
		holdID, err := c.Escrow.Hold(ctx, acc.Spot.Price, "eur", "")
		if err != nil {
			c.Logger.Warn("escrow hold failed", "request_id", requestID, "error", err)
		} else if err := c.Store.SetEscrowHold(ctx, requestID, holdID); err != nil {
			c.Logger.Warn("escrow hold not recorded", "request_id", requestID, "error", err)
		}
	}

	spot := acc.Spot
	c.Notify.Send(ctx, acc.Request.RequesterID, notify.EventRequestResponse, notify.RequestResponse{
		RequestID: acc.Request.ID,
		SpotID:    spotID,
		Status:    models.StatusAccepted,
		OwnerName: acc.OwnerName,
		Spot:      &spot,
		Message:   fmt.Sprintf("%s accepted your request", acc.OwnerName),
	})
	// refresh the owner's other listeners: this request/spot pair is resolved
	c.Notify.Send(ctx, ownerID, notify.EventRequestResolved, notify.RequestResolved{
		RequestID: acc.Request.ID,
		SpotID:    spotID,
		Status:    models.StatusAccepted,
	})
	c.journal(ctx, "request_accepted", acc.Request)
	return acc, nil
}

// DeclineRequest marks the request rejected. Declines only apply to pending
// requests, which never reserved funds, so the ledger is untouched.
func (c *Coordinator) DeclineRequest(ctx context.Context, requestID, spotID, ownerID int64) (models.Request, error) {
	req, err := c.Store.DeclineRequest(ctx, requestID, spotID, ownerID, c.now())
	if err != nil {
		observability.RequestsTotal.WithLabelValues("decline_request", outcome(err)).Inc()
		return models.Request{}, err
	}
	observability.RequestsTotal.WithLabelValues("decline_request", "ok").Inc()

	c.Notify.Send(ctx, req.RequesterID, notify.EventRequestResponse, notify.RequestResponse{
		RequestID: req.ID,
		SpotID:    spotID,
		Status:    models.StatusRejected,
		Message:   "Your request was declined",
	})
	c.Notify.Send(ctx, ownerID, notify.EventRequestResolved, notify.RequestResolved{
		RequestID: req.ID,
		SpotID:    spotID,
		Status:    models.StatusRejected,
	})
	c.journal(ctx, "request_declined", req)
	return req, nil
}

// CancelRequest is the requester backing out of a pending request. The row
// is removed entirely, unlike a decline which keeps history.
func (c *Coordinator) CancelRequest(ctx context.Context, spotID, requesterID int64) error {
	req, err := c.Store.CancelRequest(ctx, spotID, requesterID)
	if err != nil {
		observability.RequestsTotal.WithLabelValues("cancel_request", outcome(err)).Inc()
		return err
	}
	observability.RequestsTotal.WithLabelValues("cancel_request", "ok").Inc()

	name := ""
	if u, err := c.Store.GetUser(ctx, requesterID); err == nil {
		name = u.Username
	}
	c.Notify.Send(ctx, req.OwnerID, notify.EventRequestCancelled, notify.RequestCancelled{
		RequestID:     req.ID,
		SpotID:        spotID,
		RequesterID:   requesterID,
		RequesterName: name,
	})
	c.journal(ctx, "request_cancelled", req)
	return nil
}

// RequesterArrived forwards the arrival signal to the owner. The caller's
// authenticated identity must actually hold an accepted request for the spot;
// a claimed payload field is not trusted.
func (c *Coordinator) RequesterArrived(ctx context.Context, spotID, requesterID int64) error {
	req, err := c.Store.AcceptedRequest(ctx, spotID, requesterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			observability.RequestsTotal.WithLabelValues("requester_arrived", "unauthorized").Inc()
			return store.ErrUnauthorized
		}
		return err
	}
	observability.RequestsTotal.WithLabelValues("requester_arrived", "ok").Inc()

	name := ""
	if u, err := c.Store.GetUser(ctx, requesterID); err == nil {
		name = u.Username
	}
	c.Notify.Send(ctx, req.OwnerID, notify.EventRequesterArrived, notify.RequesterArrived{
		SpotID:        spotID,
		RequesterID:   requesterID,
		RequesterName: name,
	})
	return nil
}

// ConfirmTransaction is the owner-confirmed settlement: one atomic unit moves
// the reserved funds, updates the arrival aggregates, fulfills the request
// and retires the spot. A partial apply would create money or leave a
// dangling reservation, so everything happens inside a single store
// transaction; only notifications follow the commit.
func (c *Coordinator) ConfirmTransaction(ctx context.Context, spotID, requesterID, ownerID int64) (store.Settlement, error) {
	set, err := c.Store.Settle(ctx, spotID, requesterID, ownerID, c.now())
	if err != nil {
		observability.RequestsTotal.WithLabelValues("confirm_transaction", outcome(err)).Inc()
		return store.Settlement{}, err
	}
	observability.RequestsTotal.WithLabelValues("confirm_transaction", "ok").Inc()
	observability.SettlementsTotal.Inc()
	observability.SettlementLatency.Observe(set.LatencyMinutes)
	observability.SpotsActive.Dec()

	if set.Request.EscrowHold != "" && c.Escrow != nil {
		if err := c.Escrow.Capture(ctx, set.Request.EscrowHold); err != nil {
			c.Logger.Warn("escrow capture failed", "hold", set.Request.EscrowHold, "error", err)
		}
	}

	c.Notify.Broadcast(notify.EventSpotDeleted, notify.SpotDeleted{
		SpotID:       spotID,
		OwnerID:      ownerID,
		RequesterIDs: set.RequesterIDs,
	})
	c.Notify.Send(ctx, requesterID, notify.EventTransactionDone, notify.TransactionComplete{
		SpotID:  spotID,
		Price:   set.Spot.Price,
		Message: fmt.Sprintf("You took the spot. %d credits transferred to %s.", set.Spot.Price, set.Owner.Username),
	})
	c.Notify.Send(ctx, ownerID, notify.EventTransactionDone, notify.TransactionComplete{
		SpotID:  spotID,
		Price:   set.Spot.Price,
		Message: fmt.Sprintf("%s took your spot. You earned %d credits.", set.Requester.Username, set.Spot.Price),
	})
	c.journal(ctx, "transaction_complete", set.Request)
	return set, nil
}

// PrivateMessage relays a chat line between two users, realtime-only.
func (c *Coordinator) PrivateMessage(ctx context.Context, fromID, toID int64, message string) error {
	from, err := c.Store.GetUser(ctx, fromID)
	if err != nil {
		return err
	}
	c.Notify.Send(ctx, toID, notify.EventPrivateMessage, notify.PrivateMessage{
		FromID:   fromID,
		FromName: from.Username,
		Message:  message,
	})
	return nil
}

func (c *Coordinator) releaseEscrow(ctx context.Context, holdID string) {
	if holdID == "" || c.Escrow == nil {
		return
	}
	if err := c.Escrow.Cancel(ctx, holdID); err != nil {
		c.Logger.Warn("escrow release failed", "hold", holdID, "error", err)
	}
}

func outcome(err error) string {
	var illegal *models.ErrIllegalTransition
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrConflict), errors.As(err, &illegal):
		return "conflict"
	case errors.Is(err, store.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, geo.ErrInvalidCoordinate):
		return "invalid"
	default:
		return "error"
	}
}
