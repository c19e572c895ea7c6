package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dinos3741/parksphere-sub000/internal/models"
)

var t0 = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, m *MemoryStore, username string, credits int64) models.User {
	t.Helper()
	u, err := m.CreateUser(context.Background(), models.User{Username: username, Credits: credits})
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func declare(t *testing.T, m *MemoryStore, owner models.User, price int64) models.Spot {
	t.Helper()
	ct := models.CostFree
	if price > 0 {
		ct = models.CostPaid
	}
	s, err := m.CreateSpot(context.Background(), models.Spot{
		OwnerID:     owner.ID,
		Loc:         models.Coord{Lat: 37.97, Lon: 23.73},
		DeclaredAt:  t0,
		TimeToLeave: 15,
		CostType:    ct,
		Price:       price,
	})
	if err != nil {
		t.Fatalf("create spot: %v", err)
	}
	return s
}

func TestOneActiveSpotPerOwner(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	owner := seed(t, m, "owner", 0)

	declare(t, m, owner, 0)
	_, err := m.CreateSpot(ctx, models.Spot{OwnerID: owner.ID, DeclaredAt: t0, TimeToLeave: 10})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second spot for same owner: err = %v, want ErrConflict", err)
	}

	_, err = m.CreateSpot(ctx, models.Spot{OwnerID: 999, DeclaredAt: t0, TimeToLeave: 10})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("spot for unknown owner: err = %v, want ErrNotFound", err)
	}
}

func TestPlaceRequestRules(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	owner := seed(t, m, "owner", 0)
	req1 := seed(t, m, "alice", 100)
	spot := declare(t, m, owner, 10)

	if _, _, err := m.PlaceRequest(ctx, spot.ID, owner.ID, 0, t0); !errors.Is(err, ErrConflict) {
		t.Fatalf("owner requesting own spot: err = %v, want ErrConflict", err)
	}

	r, reactivated, err := m.PlaceRequest(ctx, spot.ID, req1.ID, 250, t0)
	if err != nil || reactivated {
		t.Fatalf("place: r=%+v reactivated=%v err=%v", r, reactivated, err)
	}
	if r.Status != models.StatusPending || r.OwnerID != owner.ID || r.Distance != 250 {
		t.Errorf("request = %+v", r)
	}

	if _, _, err := m.PlaceRequest(ctx, spot.ID, req1.ID, 250, t0); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate active request: err = %v, want ErrConflict", err)
	}
}

func TestDeclineThenReRequestReusesRow(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	owner := seed(t, m, "owner", 0)
	alice := seed(t, m, "alice", 100)
	spot := declare(t, m, owner, 10)

	r, _, err := m.PlaceRequest(ctx, spot.ID, alice.ID, 250, t0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.DeclineRequest(ctx, r.ID, spot.ID, owner.ID, t0.Add(time.Minute)); err != nil {
		t.Fatalf("decline: %v", err)
	}

	again, reactivated, err := m.PlaceRequest(ctx, spot.ID, alice.ID, 180, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("re-request: %v", err)
	}
	if !reactivated || again.ID != r.ID {
		t.Fatalf("expected reactivation of row %d, got id=%d reactivated=%v", r.ID, again.ID, reactivated)
	}
	if again.Status != models.StatusPending || again.RespondedAt != nil || again.Distance != 180 {
		t.Errorf("reactivated row not reset: %+v", again)
	}
}

func TestAcceptExclusivity(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	owner := seed(t, m, "owner", 0)
	alice := seed(t, m, "alice", 100)
	bob := seed(t, m, "bob", 100)
	spot := declare(t, m, owner, 10)

	ra, _, _ := m.PlaceRequest(ctx, spot.ID, alice.ID, 100, t0)
	rb, _, _ := m.PlaceRequest(ctx, spot.ID, bob.ID, 200, t0)

	if _, err := m.AcceptRequest(ctx, ra.ID, spot.ID, bob.ID, t0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("accept by non-owner: err = %v, want ErrUnauthorized", err)
	}

	acc, err := m.AcceptRequest(ctx, ra.ID, spot.ID, owner.ID, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if acc.Request.Status != models.StatusAccepted || acc.Request.AcceptedAt == nil {
		t.Errorf("acceptance = %+v", acc.Request)
	}
	u, _ := m.GetUser(ctx, alice.ID)
	if u.ReservedAmount != spot.Price {
		t.Errorf("reserved = %d, want %d", u.ReservedAmount, spot.Price)
	}

	// second accept on the same spot is refused
	if _, err := m.AcceptRequest(ctx, rb.ID, spot.ID, owner.ID, t0.Add(time.Minute)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second accept on spot: err = %v, want ErrConflict", err)
	}
}

func TestOneReservationPerRequesterGlobally(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	o1 := seed(t, m, "owner1", 0)
	o2 := seed(t, m, "owner2", 0)
	alice := seed(t, m, "alice", 100)
	s1 := declare(t, m, o1, 10)
	s2 := declare(t, m, o2, 20)

	r1, _, _ := m.PlaceRequest(ctx, s1.ID, alice.ID, 100, t0)
	r2, _, _ := m.PlaceRequest(ctx, s2.ID, alice.ID, 100, t0)

	if _, err := m.AcceptRequest(ctx, r1.ID, s1.ID, o1.ID, t0); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := m.AcceptRequest(ctx, r2.ID, s2.ID, o2.ID, t0); !errors.Is(err, ErrConflict) {
		t.Fatalf("second reservation for same requester: err = %v, want ErrConflict", err)
	}
}

func TestCancelDeletesPendingRow(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	owner := seed(t, m, "owner", 0)
	alice := seed(t, m, "alice", 100)
	spot := declare(t, m, owner, 0)

	r, _, _ := m.PlaceRequest(ctx, spot.ID, alice.ID, 100, t0)
	if _, err := m.CancelRequest(ctx, spot.ID, alice.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.GetRequest(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled row still present: err = %v", err)
	}

	// a fresh request gets a fresh row
	again, reactivated, err := m.PlaceRequest(ctx, spot.ID, alice.ID, 100, t0)
	if err != nil || reactivated {
		t.Fatalf("re-request after cancel: reactivated=%v err=%v", reactivated, err)
	}
	if again.ID == r.ID {
		t.Error("deleted row id reused")
	}

	// accepted requests cannot be cancelled by the requester
	if _, err := m.AcceptRequest(ctx, again.ID, spot.ID, owner.ID, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CancelRequest(ctx, spot.ID, alice.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel of accepted request: err = %v, want ErrConflict", err)
	}
}

func TestSettleMovesCreditsAtomically(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	owner := seed(t, m, "owner", 50)
	alice := seed(t, m, "alice", 100)
	bob := seed(t, m, "bob", 100)
	spot := declare(t, m, owner, 30)

	ra, _, _ := m.PlaceRequest(ctx, spot.ID, alice.ID, 100, t0)
	m.PlaceRequest(ctx, spot.ID, bob.ID, 200, t0)
	if _, err := m.AcceptRequest(ctx, ra.ID, spot.ID, owner.ID, t0); err != nil {
		t.Fatal(err)
	}

	// settling with the wrong owner id is refused before any write
	if _, err := m.Settle(ctx, spot.ID, alice.ID, bob.ID, t0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("settle by stranger: err = %v, want ErrUnauthorized", err)
	}

	set, err := m.Settle(ctx, spot.ID, alice.ID, owner.ID, t0.Add(8*time.Minute))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if set.Request.Status != models.StatusFulfilled {
		t.Errorf("request status = %s", set.Request.Status)
	}
	if set.LatencyMinutes != 8 {
		t.Errorf("latency = %f, want 8", set.LatencyMinutes)
	}

	a, _ := m.GetUser(ctx, alice.ID)
	o, _ := m.GetUser(ctx, owner.ID)
	if a.Credits != 70 || a.ReservedAmount != 0 {
		t.Errorf("requester ledger = credits %d reserved %d", a.Credits, a.ReservedAmount)
	}
	if o.Credits != 80 {
		t.Errorf("owner credits = %d, want 80", o.Credits)
	}
	if a.Credits+o.Credits != 150 {
		t.Errorf("credits not conserved: %d", a.Credits+o.Credits)
	}
	if a.SpotsTaken != 1 || a.CompletedTransactions != 1 || a.TotalArrivalTime != 8 {
		t.Errorf("aggregates = %+v", a)
	}

	// the spot is gone and the bystander's request was expired, not deleted
	if _, err := m.GetSpot(ctx, spot.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("spot survived settlement: err = %v", err)
	}
	reqs, _ := m.ActiveRequestsForUser(ctx, bob.ID)
	if len(reqs) != 0 {
		t.Errorf("bystander still has active requests: %+v", reqs)
	}
	if len(set.RequesterIDs) != 2 {
		t.Errorf("requester ids = %v, want both requesters", set.RequesterIDs)
	}

	// a second settle finds nothing
	if _, err := m.Settle(ctx, spot.ID, alice.ID, owner.ID, t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("double settle: err = %v, want ErrNotFound", err)
	}
}

func TestRetireSpotReleasesReservation(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	owner := seed(t, m, "owner", 0)
	alice := seed(t, m, "alice", 100)
	spot := declare(t, m, owner, 25)

	ra, _, _ := m.PlaceRequest(ctx, spot.ID, alice.ID, 100, t0)
	if _, err := m.AcceptRequest(ctx, ra.ID, spot.ID, owner.ID, t0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetEscrowHold(ctx, ra.ID, "pi_123"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.RetireSpot(ctx, spot.ID, alice.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("retire by non-owner: err = %v, want ErrUnauthorized", err)
	}

	ret, err := m.RetireSpot(ctx, spot.ID, owner.ID)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if ret.ReleasedUser != alice.ID || ret.ReleasedHold != "pi_123" {
		t.Errorf("retirement = %+v", ret)
	}
	a, _ := m.GetUser(ctx, alice.ID)
	if a.ReservedAmount != 0 || a.Credits != 100 {
		t.Errorf("reservation not released cleanly: %+v", a)
	}
	r, err := m.GetRequest(ctx, ra.ID)
	if err != nil || r.Status != models.StatusExpired {
		t.Errorf("request after retire = %+v err=%v", r, err)
	}
}

func TestExpireDueSpots(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	o1 := seed(t, m, "owner1", 0)
	o2 := seed(t, m, "owner2", 0)
	due := declare(t, m, o1, 0) // 15 minute lifetime from t0

	// the second spot was declared later and is still fresh
	fresh, err := m.CreateSpot(ctx, models.Spot{
		OwnerID: o2.ID, DeclaredAt: t0.Add(10 * time.Minute), TimeToLeave: 15,
	})
	if err != nil {
		t.Fatal(err)
	}

	retired, err := m.ExpireDueSpots(ctx, t0.Add(16*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(retired) != 1 || retired[0].Spot.ID != due.ID {
		t.Fatalf("retired = %+v, want just spot %d", retired, due.ID)
	}
	if _, err := m.GetSpot(ctx, fresh.ID); err != nil {
		t.Errorf("fresh spot was swept: %v", err)
	}
}
