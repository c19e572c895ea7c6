package store

import (
	"context"
	"errors"
	"time"

	"github.com/dinos3741/parksphere-sub000/internal/models"
)

var (
	// ErrNotFound: the spot/request/user vanished, usually a benign race
	// with deletion or expiry. Callers abort quietly.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a duplicate active request, a second acceptance, or an
	// inconsistent reservation. Surfaced to the initiator, never retried.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized: the caller is not the party the operation requires.
	ErrUnauthorized = errors.New("unauthorized")
)

// Retirement describes a spot being removed (owner delete or expiry sweep)
// together with everything the fan-out and escrow need afterwards.
type Retirement struct {
	Spot         models.Spot
	RequesterIDs []int64 // every user who ever requested the spot
	ReleasedUser int64   // nonzero if an accepted reservation was released
	ReleasedHold string  // external escrow hold to cancel, if any
}

// Acceptance is the committed result of AcceptRequest.
type Acceptance struct {
	Request       models.Request
	Spot          models.Spot
	OwnerName     string
	RequesterName string
}

// Settlement is the committed result of Settle: the atomic debit/credit,
// bookkeeping and spot removal.
type Settlement struct {
	Request        models.Request
	Spot           models.Spot
	Requester      models.User
	Owner          models.User
	RequesterIDs   []int64
	LatencyMinutes float64
}

// Store is the persisted state the coordinator operates on. Every method is
// one short atomic unit: it either fully commits or leaves no trace, and all
// invariant checks happen inside the same transaction as the writes.
type Store interface {
	// users
	CreateUser(ctx context.Context, u models.User) (models.User, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	UpdateCar(ctx context.Context, id int64, carType, carColor, plate string) error
	AddCredits(ctx context.Context, id int64, amount int64) (models.User, error)

	// spots
	CreateSpot(ctx context.Context, s models.Spot) (models.Spot, error)
	UpdateSpot(ctx context.Context, s models.Spot) (models.Spot, error)
	GetSpot(ctx context.Context, id int64) (models.Spot, error)
	ListSpots(ctx context.Context) ([]models.Spot, error)
	RetireSpot(ctx context.Context, spotID, ownerID int64) (Retirement, error)
	ExpireDueSpots(ctx context.Context, now time.Time) ([]Retirement, error)

	// requests
	GetRequest(ctx context.Context, id int64) (models.Request, error)
	PlaceRequest(ctx context.Context, spotID, requesterID int64, distance float64, now time.Time) (models.Request, bool, error)
	AcceptRequest(ctx context.Context, requestID, spotID, ownerID int64, now time.Time) (Acceptance, error)
	DeclineRequest(ctx context.Context, requestID, spotID, ownerID int64, now time.Time) (models.Request, error)
	CancelRequest(ctx context.Context, spotID, requesterID int64) (models.Request, error)
	AcceptedRequest(ctx context.Context, spotID, requesterID int64) (models.Request, error)
	ActiveRequestsForUser(ctx context.Context, userID int64) ([]models.Request, error)
	SetEscrowHold(ctx context.Context, requestID int64, holdID string) error
	Settle(ctx context.Context, spotID, requesterID, ownerID int64, now time.Time) (Settlement, error)
}
