package notify

import "github.com/dinos3741/parksphere-sub000/internal/models"

// Outbound event names. Broadcast events go to every connected client;
// everything else is targeted at a resolved recipient.
const (
	EventNewParkingSpot   = "newParkingSpot"
	EventSpotUpdated      = "spotUpdated"
	EventSpotDeleted      = "spotDeleted"
	EventSpotRequest      = "spotRequest"
	EventRequestResponse  = "requestResponse"
	EventRequestResolved  = "requestAcceptedOrDeclined"
	EventRequesterArrived = "requesterArrived"
	EventRequestCancelled = "requestCancelled"
	EventTransactionDone  = "transactionComplete"
	EventPrivateMessage   = "privateMessage"
	EventETAUpdate        = "etaUpdate"
)

// SpotDeleted is broadcast whenever a spot disappears, regardless of cause
// (owner delete, settlement, expiry). RequesterIDs lists every user who ever
// requested the spot, terminal requests included, so clients can drop any
// local state tied to it.
type SpotDeleted struct {
	SpotID       int64   `json:"spotId"`
	OwnerID      int64   `json:"ownerId"`
	RequesterIDs []int64 `json:"requesterIds"`
}

type SpotRequest struct {
	RequestID     int64   `json:"requestId"`
	SpotID        int64   `json:"spotId"`
	RequesterID   int64   `json:"requesterId"`
	RequesterName string  `json:"requesterUsername"`
	Distance      float64 `json:"distance"`
	Message       string  `json:"message"`
}

type RequestResponse struct {
	RequestID int64                `json:"requestId"`
	SpotID    int64                `json:"spotId"`
	Status    models.RequestStatus `json:"status"`
	OwnerName string               `json:"ownerUsername,omitempty"`
	Spot      *models.Spot         `json:"spot,omitempty"` // full record on accept, so the client can reveal true coordinates
	Message   string               `json:"message"`
}

// RequestResolved refreshes the owner's other listeners once a request for
// one of their spots has been accepted or declined.
type RequestResolved struct {
	RequestID int64                `json:"requestId"`
	SpotID    int64                `json:"spotId"`
	Status    models.RequestStatus `json:"status"`
}

type RequesterArrived struct {
	SpotID        int64  `json:"spotId"`
	RequesterID   int64  `json:"requesterId"`
	RequesterName string `json:"requesterUsername"`
}

type RequestCancelled struct {
	RequestID     int64  `json:"requestId"`
	SpotID        int64  `json:"spotId"`
	RequesterID   int64  `json:"requesterId"`
	RequesterName string `json:"requesterUsername"`
}

type TransactionComplete struct {
	SpotID  int64  `json:"spotId"`
	Price   int64  `json:"price"`
	Message string `json:"message"`
}

type PrivateMessage struct {
	FromID   int64  `json:"fromId"`
	FromName string `json:"fromUsername"`
	Message  string `json:"message"`
}

type ETAUpdate struct {
	SpotID     int64   `json:"spotId"`
	ETASeconds float64 `json:"etaSeconds"`
	Distance   float64 `json:"distance"`
}
