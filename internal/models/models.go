package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type CostType string

const (
	CostFree CostType = "free"
	CostPaid CostType = "paid"
)

// User carries the credit ledger alongside identity. Credits is the settled
// balance; ReservedAmount holds funds earmarked for the user's single
// outstanding accepted request and is zero otherwise.
type User struct {
	ID                    int64     `json:"id"`
	Username              string    `json:"username"`
	CarType               string    `json:"car_type,omitempty"`
	CarColor              string    `json:"car_color,omitempty"`
	PlateNumber           string    `json:"plate_number,omitempty"`
	Credits               int64     `json:"credits"`
	ReservedAmount        int64     `json:"reserved_amount"`
	SpotsTaken            int64     `json:"spots_taken"`
	TotalArrivalTime      float64   `json:"total_arrival_time"`
	CompletedTransactions int64     `json:"completed_transactions_count"`
	CreatedAt             time.Time `json:"created_at"`
}

// Spot is a declared, time-bounded parking space. The row is removed on
// owner delete, settlement or expiry; requests against it outlive it.
type Spot struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	OwnerName   string    `json:"owner_username"`
	Loc         Coord     `json:"loc"`
	DeclaredAt  time.Time `json:"declared_at"`
	TimeToLeave int       `json:"time_to_leave"` // minutes until expiry
	CostType    CostType  `json:"cost_type"`
	Price       int64     `json:"price"`
	Comments    string    `json:"comments,omitempty"`
}

// ExpiresAt is the absolute instant the sweeper compares against.
func (s Spot) ExpiresAt() time.Time {
	return s.DeclaredAt.Add(time.Duration(s.TimeToLeave) * time.Minute)
}

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
	StatusFulfilled RequestStatus = "fulfilled"
	StatusExpired   RequestStatus = "expired"
)

// Terminal reports whether a status admits no further transitions except
// reactivation of a rejected request by a fresh requestSpot.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusFulfilled, StatusExpired:
		return true
	}
	return false
}

// Request links one spot, one requester and (denormalized) the owner.
// At most one row exists per (spot, requester) pair; re-requesting after a
// rejection reactivates the same row.
type Request struct {
	ID          int64         `json:"id"`
	SpotID      int64         `json:"spot_id"`
	RequesterID int64         `json:"requester_id"`
	OwnerID     int64         `json:"owner_id"`
	Status      RequestStatus `json:"status"`
	RequestedAt time.Time     `json:"requested_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
	AcceptedAt  *time.Time    `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time    `json:"arrived_at,omitempty"`
	Distance    float64       `json:"distance"` // meters, fixed at request time
	EscrowHold  string        `json:"-"`        // external hold id, if any
}

func (r Request) Active() bool {
	return r.Status == StatusPending || r.Status == StatusAccepted
}
