package store

import (
	"context"
	"sync"
	"time"

	"github.com/dinos3741/parksphere-sub000/internal/models"
)

// MemoryStore keeps the same semantics as the Postgres store behind a single
// mutex, which makes every method trivially atomic. Used for tests and local
// runs without a database.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[int64]*models.User
	spots    map[int64]*models.Spot
	requests map[int64]*models.Request
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*models.User),
		spots:    make(map[int64]*models.Spot),
		requests: make(map[int64]*models.Request),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) CreateUser(_ context.Context, u models.User) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.id()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cp := u
	m.users[u.ID] = &cp
	return u, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return *u, nil
}

func (m *MemoryStore) UpdateCar(_ context.Context, id int64, carType, carColor, plate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.CarType, u.CarColor, u.PlateNumber = carType, carColor, plate
	return nil
}

func (m *MemoryStore) AddCredits(_ context.Context, id int64, amount int64) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	u.Credits += amount
	return *u, nil
}

func (m *MemoryStore) CreateSpot(_ context.Context, s models.Spot) (models.Spot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.users[s.OwnerID]
	if !ok {
		return models.Spot{}, ErrNotFound
	}
	// at most one active spot per owner
	for _, sp := range m.spots {
		if sp.OwnerID == s.OwnerID {
			return models.Spot{}, ErrConflict
		}
	}
	s.ID = m.id()
	s.OwnerName = owner.Username
	if s.DeclaredAt.IsZero() {
		s.DeclaredAt = time.Now()
	}
	cp := s
	m.spots[s.ID] = &cp
	return s, nil
}

func (m *MemoryStore) UpdateSpot(_ context.Context, s models.Spot) (models.Spot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.spots[s.ID]
	if !ok {
		return models.Spot{}, ErrNotFound
	}
	if cur.OwnerID != s.OwnerID {
		return models.Spot{}, ErrUnauthorized
	}
	// ownership and declaration time never change on edit
	cur.TimeToLeave = s.TimeToLeave
	cur.CostType = s.CostType
	cur.Price = s.Price
	cur.Comments = s.Comments
	return *cur, nil
}

func (m *MemoryStore) GetSpot(_ context.Context, id int64) (models.Spot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spots[id]
	if !ok {
		return models.Spot{}, ErrNotFound
	}
	return *s, nil
}

func (m *MemoryStore) ListSpots(_ context.Context) ([]models.Spot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Spot, 0, len(m.spots))
	for _, s := range m.spots {
		out = append(out, *s)
	}
	return out, nil
}

func (m *MemoryStore) RetireSpot(_ context.Context, spotID, ownerID int64) (Retirement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spots[spotID]
	if !ok {
		return Retirement{}, ErrNotFound
	}
	if ownerID != 0 && s.OwnerID != ownerID {
		return Retirement{}, ErrUnauthorized
	}
	return m.retireLocked(s), nil
}

// retireLocked expires the spot's live requests, releases any outstanding
// reservation and removes the spot row. Caller holds the lock.
func (m *MemoryStore) retireLocked(s *models.Spot) Retirement {
	ret := Retirement{Spot: *s}
	for _, r := range m.requests {
		if r.SpotID != s.ID {
			continue
		}
		ret.RequesterIDs = append(ret.RequesterIDs, r.RequesterID)
		if !r.Active() {
			continue
		}
		if r.Status == models.StatusAccepted {
			if u, ok := m.users[r.RequesterID]; ok && u.ReservedAmount > 0 {
				u.ReservedAmount = 0
				ret.ReleasedUser = r.RequesterID
				ret.ReleasedHold = r.EscrowHold
			}
		}
		r.Status = models.StatusExpired
	}
	if ret.RequesterIDs == nil {
		ret.RequesterIDs = []int64{}
	}
	delete(m.spots, s.ID)
	return ret
}

func (m *MemoryStore) ExpireDueSpots(_ context.Context, now time.Time) ([]Retirement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.Spot
	for _, s := range m.spots {
		if !s.ExpiresAt().After(now) {
			due = append(due, s)
		}
	}
	out := make([]Retirement, 0, len(due))
	for _, s := range due {
		out = append(out, m.retireLocked(s))
	}
	return out, nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id int64) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	return *r, nil
}

func (m *MemoryStore) PlaceRequest(_ context.Context, spotID, requesterID int64, distance float64, now time.Time) (models.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spots[spotID]
	if !ok {
		return models.Request{}, false, ErrNotFound
	}
	if s.OwnerID == requesterID {
		return models.Request{}, false, ErrConflict
	}
	for _, r := range m.requests {
		if r.SpotID != spotID || r.RequesterID != requesterID {
			continue
		}
		if r.Active() {
			return models.Request{}, false, ErrConflict
		}
		// terminal row: reactivate it rather than inserting a duplicate
		if _, err := models.NextStatus(r.Status, models.ActionReactivate); err != nil {
			return models.Request{}, false, err
		}
		r.Status = models.StatusPending
		r.RequestedAt = now
		r.RespondedAt, r.AcceptedAt, r.ArrivedAt = nil, nil, nil
		r.Distance = distance
		r.EscrowHold = ""
		return *r, true, nil
	}
	r := &models.Request{
		ID:          m.id(),
		SpotID:      spotID,
		RequesterID: requesterID,
		OwnerID:     s.OwnerID,
		Status:      models.StatusPending,
		RequestedAt: now,
		Distance:    distance,
	}
	m.requests[r.ID] = r
	return *r, false, nil
}

func (m *MemoryStore) AcceptRequest(_ context.Context, requestID, spotID, ownerID int64, now time.Time) (Acceptance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok || r.SpotID != spotID {
		return Acceptance{}, ErrNotFound
	}
	if r.OwnerID != ownerID {
		return Acceptance{}, ErrUnauthorized
	}
	s, ok := m.spots[spotID]
	if !ok {
		// raced with deletion or expiry; no partial writes happened
		return Acceptance{}, ErrNotFound
	}
	if _, err := models.NextStatus(r.Status, models.ActionAccept); err != nil {
		return Acceptance{}, err
	}
	// acceptance is exclusive per spot
	for _, other := range m.requests {
		if other.SpotID == spotID && other.Status == models.StatusAccepted {
			return Acceptance{}, ErrConflict
		}
	}
	// one outstanding reservation per requester, globally
	for _, other := range m.requests {
		if other.RequesterID == r.RequesterID && other.Status == models.StatusAccepted {
			return Acceptance{}, ErrConflict
		}
	}
	requester, ok := m.users[r.RequesterID]
	if !ok {
		return Acceptance{}, ErrNotFound
	}
	r.Status = models.StatusAccepted
	t := now
	r.RespondedAt = &t
	r.AcceptedAt = &t
	requester.ReservedAmount = s.Price
	ownerName := s.OwnerName
	return Acceptance{Request: *r, Spot: *s, OwnerName: ownerName, RequesterName: requester.Username}, nil
}

func (m *MemoryStore) DeclineRequest(_ context.Context, requestID, spotID, ownerID int64, now time.Time) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok || r.SpotID != spotID {
		return models.Request{}, ErrNotFound
	}
	if r.OwnerID != ownerID {
		return models.Request{}, ErrUnauthorized
	}
	if _, err := models.NextStatus(r.Status, models.ActionDecline); err != nil {
		return models.Request{}, err
	}
	r.Status = models.StatusRejected
	t := now
	r.RespondedAt = &t
	return *r, nil
}

func (m *MemoryStore) CancelRequest(_ context.Context, spotID, requesterID int64) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.requests {
		if r.SpotID != spotID || r.RequesterID != requesterID {
			continue
		}
		if r.Status != models.StatusPending {
			// accepted requests are not cancellable via this path
			return models.Request{}, ErrConflict
		}
		cp := *r
		delete(m.requests, id)
		return cp, nil
	}
	return models.Request{}, ErrNotFound
}

func (m *MemoryStore) AcceptedRequest(_ context.Context, spotID, requesterID int64) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.SpotID == spotID && r.RequesterID == requesterID && r.Status == models.StatusAccepted {
			return *r, nil
		}
	}
	return models.Request{}, ErrNotFound
}

func (m *MemoryStore) ActiveRequestsForUser(_ context.Context, userID int64) ([]models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Request
	for _, r := range m.requests {
		if r.Active() && (r.RequesterID == userID || r.OwnerID == userID) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetEscrowHold(_ context.Context, requestID int64, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	r.EscrowHold = holdID
	return nil
}

func (m *MemoryStore) Settle(_ context.Context, spotID, requesterID, ownerID int64, now time.Time) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spots[spotID]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	if s.OwnerID != ownerID {
		return Settlement{}, ErrUnauthorized
	}
	var req *models.Request
	for _, r := range m.requests {
		if r.SpotID == spotID && r.RequesterID == requesterID && r.Status == models.StatusAccepted {
			req = r
			break
		}
	}
	if req == nil {
		return Settlement{}, ErrNotFound
	}
	if _, err := models.NextStatus(req.Status, models.ActionSettle); err != nil {
		return Settlement{}, err
	}
	requester, ok := m.users[requesterID]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	owner, ok := m.users[s.OwnerID]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	if requester.ReservedAmount < s.Price {
		// should not happen while the acceptance invariant holds
		return Settlement{}, ErrConflict
	}

	requester.Credits -= s.Price
	requester.ReservedAmount = 0
	requester.SpotsTaken++
	owner.Credits += s.Price

	t := now
	req.Status = models.StatusFulfilled
	req.ArrivedAt = &t
	latency := now.Sub(*req.AcceptedAt).Minutes()
	requester.TotalArrivalTime += latency
	requester.CompletedTransactions++

	ret := m.retireLocked(s)

	return Settlement{
		Request:        *req,
		Spot:           ret.Spot,
		Requester:      *requester,
		Owner:          *owner,
		RequesterIDs:   ret.RequesterIDs,
		LatencyMinutes: latency,
	}, nil
}
