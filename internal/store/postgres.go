package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dinos3741/parksphere-sub000/internal/models"
)

// PostgresStore implements Store over database/sql. Every operation runs in
// its own transaction; invariant checks use row locks (SELECT ... FOR UPDATE)
// so two concurrent accepts or a sweep racing a settle serialize on the spot
// row, and the loser observes the already-changed state.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const spotCols = `id, owner_id, owner_username, lat, lon, declared_at, time_to_leave, cost_type, price, comments`

func scanSpot(row interface{ Scan(...any) error }) (models.Spot, error) {
	var s models.Spot
	err := row.Scan(&s.ID, &s.OwnerID, &s.OwnerName, &s.Loc.Lat, &s.Loc.Lon, &s.DeclaredAt, &s.TimeToLeave, &s.CostType, &s.Price, &s.Comments)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

const reqCols = `id, spot_id, requester_id, owner_id, status, requested_at, responded_at, accepted_at, arrived_at, distance, escrow_hold`

func scanRequest(row interface{ Scan(...any) error }) (models.Request, error) {
	var r models.Request
	var responded, accepted, arrived sql.NullTime
	err := row.Scan(&r.ID, &r.SpotID, &r.RequesterID, &r.OwnerID, &r.Status, &r.RequestedAt, &responded, &accepted, &arrived, &r.Distance, &r.EscrowHold)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if responded.Valid {
		r.RespondedAt = &responded.Time
	}
	if accepted.Valid {
		r.AcceptedAt = &accepted.Time
	}
	if arrived.Valid {
		r.ArrivedAt = &arrived.Time
	}
	return r, err
}

const userCols = `id, username, car_type, car_color, plate_number, credits, reserved_amount, spots_taken, total_arrival_time, completed_transactions_count, created_at`

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.CarType, &u.CarColor, &u.PlateNumber, &u.Credits, &u.ReservedAmount, &u.SpotsTaken, &u.TotalArrivalTime, &u.CompletedTransactions, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

func (p *PostgresStore) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(username, car_type, car_color, plate_number, credits)
		 VALUES($1,$2,$3,$4,$5) RETURNING `+userCols,
		u.Username, u.CarType, u.CarColor, u.PlateNumber, u.Credits,
	).Scan(&u.ID, &u.Username, &u.CarType, &u.CarColor, &u.PlateNumber, &u.Credits, &u.ReservedAmount, &u.SpotsTaken, &u.TotalArrivalTime, &u.CompletedTransactions, &u.CreatedAt)
	if isUniqueViolation(err) {
		return models.User{}, ErrConflict
	}
	return u, err
}

func (p *PostgresStore) GetUser(ctx context.Context, id int64) (models.User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

func (p *PostgresStore) UpdateCar(ctx context.Context, id int64, carType, carColor, plate string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET car_type=$1, car_color=$2, plate_number=$3 WHERE id=$4`, carType, carColor, plate, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) AddCredits(ctx context.Context, id int64, amount int64) (models.User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`UPDATE users SET credits = credits + $1 WHERE id=$2 RETURNING `+userCols, amount, id))
}

func (p *PostgresStore) CreateSpot(ctx context.Context, s models.Spot) (models.Spot, error) {
	var out models.Spot
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var username string
		if err := tx.QueryRowContext(ctx, `SELECT username FROM users WHERE id=$1`, s.OwnerID).Scan(&username); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		row := tx.QueryRowContext(ctx,
			`INSERT INTO parking_spots(owner_id, owner_username, lat, lon, declared_at, time_to_leave, cost_type, price, comments)
			 VALUES($1,$2,$3,$4,COALESCE(NULLIF($5, TIMESTAMPTZ 'epoch'), now()),$6,$7,$8,$9) RETURNING `+spotCols,
			s.OwnerID, username, s.Loc.Lat, s.Loc.Lon, nullableTime(s.DeclaredAt), s.TimeToLeave, s.CostType, s.Price, s.Comments)
		var err error
		out, err = scanSpot(row)
		if isUniqueViolation(err) {
			// owner already has an active spot
			return ErrConflict
		}
		return err
	})
	return out, err
}

func (p *PostgresStore) UpdateSpot(ctx context.Context, s models.Spot) (models.Spot, error) {
	var out models.Spot
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanSpot(tx.QueryRowContext(ctx, `SELECT `+spotCols+` FROM parking_spots WHERE id=$1 FOR UPDATE`, s.ID))
		if err != nil {
			return err
		}
		if cur.OwnerID != s.OwnerID {
			return ErrUnauthorized
		}
		row := tx.QueryRowContext(ctx,
			`UPDATE parking_spots SET time_to_leave=$1, cost_type=$2, price=$3, comments=$4 WHERE id=$5 RETURNING `+spotCols,
			s.TimeToLeave, s.CostType, s.Price, s.Comments, s.ID)
		out, err = scanSpot(row)
		return err
	})
	return out, err
}

func (p *PostgresStore) GetSpot(ctx context.Context, id int64) (models.Spot, error) {
	return scanSpot(p.db.QueryRowContext(ctx, `SELECT `+spotCols+` FROM parking_spots WHERE id=$1`, id))
}

func (p *PostgresStore) ListSpots(ctx context.Context) ([]models.Spot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+spotCols+` FROM parking_spots ORDER BY declared_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Spot
	for rows.Next() {
		s, err := scanSpot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// retireTx expires the spot's live requests, releases any outstanding
// reservation and deletes the spot row. The spot row must already be locked.
func retireTx(ctx context.Context, tx *sql.Tx, spot models.Spot) (Retirement, error) {
	ret := Retirement{Spot: spot, RequesterIDs: []int64{}}

	rows, err := tx.QueryContext(ctx,
		`SELECT requester_id, status, escrow_hold FROM requests WHERE spot_id=$1 ORDER BY id FOR UPDATE`, spot.ID)
	if err != nil {
		return ret, err
	}
	type lightReq struct {
		requester int64
		status    models.RequestStatus
		hold      string
	}
	var reqs []lightReq
	for rows.Next() {
		var lr lightReq
		if err := rows.Scan(&lr.requester, &lr.status, &lr.hold); err != nil {
			rows.Close()
			return ret, err
		}
		reqs = append(reqs, lr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ret, err
	}

	for _, lr := range reqs {
		ret.RequesterIDs = append(ret.RequesterIDs, lr.requester)
		if lr.status == models.StatusAccepted {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET reserved_amount=0 WHERE id=$1 AND reserved_amount > 0`, lr.requester); err != nil {
				return ret, err
			}
			ret.ReleasedUser = lr.requester
			ret.ReleasedHold = lr.hold
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE requests SET status=$1 WHERE spot_id=$2 AND status IN ($3,$4)`,
		models.StatusExpired, spot.ID, models.StatusPending, models.StatusAccepted); err != nil {
		return ret, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM parking_spots WHERE id=$1`, spot.ID); err != nil {
		return ret, err
	}
	return ret, nil
}

func (p *PostgresStore) RetireSpot(ctx context.Context, spotID, ownerID int64) (Retirement, error) {
	var out Retirement
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		spot, err := scanSpot(tx.QueryRowContext(ctx, `SELECT `+spotCols+` FROM parking_spots WHERE id=$1 FOR UPDATE`, spotID))
		if err != nil {
			return err
		}
		if ownerID != 0 && spot.OwnerID != ownerID {
			return ErrUnauthorized
		}
		out, err = retireTx(ctx, tx, spot)
		return err
	})
	return out, err
}

func (p *PostgresStore) ExpireDueSpots(ctx context.Context, now time.Time) ([]Retirement, error) {
	// snapshot due ids first; each retirement is its own transaction so a
	// spot settled concurrently just disappears from under us and no-ops
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM parking_spots WHERE declared_at + make_interval(mins => time_to_leave) <= $1`, now)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Retirement
	for _, id := range ids {
		var ret Retirement
		err := p.withTx(ctx, func(tx *sql.Tx) error {
			spot, err := scanSpot(tx.QueryRowContext(ctx, `SELECT `+spotCols+` FROM parking_spots WHERE id=$1 FOR UPDATE`, id))
			if err != nil {
				return err
			}
			// re-check under the lock: an edit may have extended
			// time_to_leave between snapshot and here
			if spot.ExpiresAt().After(now) {
				return ErrNotFound
			}
			ret, err = retireTx(ctx, tx, spot)
			return err
		})
		if errors.Is(err, ErrNotFound) {
			continue // lost the race to a settle, delete or extension
		}
		if err != nil {
			return out, err
		}
		out = append(out, ret)
	}
	return out, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id int64) (models.Request, error) {
	return scanRequest(p.db.QueryRowContext(ctx, `SELECT `+reqCols+` FROM requests WHERE id=$1`, id))
}

func (p *PostgresStore) PlaceRequest(ctx context.Context, spotID, requesterID int64, distance float64, now time.Time) (models.Request, bool, error) {
	var out models.Request
	var reactivated bool
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		spot, err := scanSpot(tx.QueryRowContext(ctx, `SELECT `+spotCols+` FROM parking_spots WHERE id=$1 FOR UPDATE`, spotID))
		if err != nil {
			return err
		}
		if spot.OwnerID == requesterID {
			return ErrConflict
		}
		prev, err := scanRequest(tx.QueryRowContext(ctx,
			`SELECT `+reqCols+` FROM requests WHERE spot_id=$1 AND requester_id=$2 FOR UPDATE`, spotID, requesterID))
		switch {
		case err == nil:
			if prev.Active() {
				return ErrConflict
			}
			if _, terr := models.NextStatus(prev.Status, models.ActionReactivate); terr != nil {
				return terr
			}
			row := tx.QueryRowContext(ctx,
				`UPDATE requests SET status=$1, requested_at=$2, responded_at=NULL, accepted_at=NULL, arrived_at=NULL, distance=$3, escrow_hold=''
				 WHERE id=$4 RETURNING `+reqCols,
				models.StatusPending, now, distance, prev.ID)
			out, err = scanRequest(row)
			reactivated = true
			return err
		case errors.Is(err, ErrNotFound):
			row := tx.QueryRowContext(ctx,
				`INSERT INTO requests(spot_id, requester_id, owner_id, status, requested_at, distance)
				 VALUES($1,$2,$3,$4,$5,$6) RETURNING `+reqCols,
				spotID, requesterID, spot.OwnerID, models.StatusPending, now, distance)
			out, err = scanRequest(row)
			return err
		default:
			return err
		}
	})
	return out, reactivated, err
}

func (p *PostgresStore) AcceptRequest(ctx context.Context, requestID, spotID, ownerID int64, now time.Time) (Acceptance, error) {
	var out Acceptance
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		// lock spot first: accept, settle and retire all take the spot lock
		// before request locks, so concurrent writers serialize cleanly
		spot, err := scanSpot(tx.QueryRowContext(ctx, `SELECT `+spotCols+` FROM parking_spots WHERE id=$1 FOR UPDATE`, spotID))
		if err != nil {
			return err
		}
		req, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+reqCols+` FROM requests WHERE id=$1 AND spot_id=$2 FOR UPDATE`, requestID, spotID))
		if err != nil {
			return err
		}
		if req.OwnerID != ownerID || spot.OwnerID != ownerID {
			return ErrUnauthorized
		}
		if _, terr := models.NextStatus(req.Status, models.ActionAccept); terr != nil {
			return terr
		}
		// exclusivity: one accepted request per spot, one reservation per user
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM requests WHERE status=$1 AND (spot_id=$2 OR requester_id=$3)`,
			models.StatusAccepted, spotID, req.RequesterID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		row := tx.QueryRowContext(ctx,
			`UPDATE requests SET status=$1, responded_at=$2, accepted_at=$2 WHERE id=$3 RETURNING `+reqCols,
			models.StatusAccepted, now, requestID)
		req, err = scanRequest(row)
		if err != nil {
			return err
		}
		var requesterName string
		if err := tx.QueryRowContext(ctx,
			`UPDATE users SET reserved_amount=$1 WHERE id=$2 RETURNING username`,
			spot.Price, req.RequesterID).Scan(&requesterName); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		out = Acceptance{Request: req, Spot: spot, OwnerName: spot.OwnerName, RequesterName: requesterName}
		return nil
	})
	return out, err
}

func (p *PostgresStore) DeclineRequest(ctx context.Context, requestID, spotID, ownerID int64, now time.Time) (models.Request, error) {
	var out models.Request
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		req, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+reqCols+` FROM requests WHERE id=$1 AND spot_id=$2 FOR UPDATE`, requestID, spotID))
		if err != nil {
			return err
		}
		if req.OwnerID != ownerID {
			return ErrUnauthorized
		}
		if _, terr := models.NextStatus(req.Status, models.ActionDecline); terr != nil {
			return terr
		}
		row := tx.QueryRowContext(ctx,
			`UPDATE requests SET status=$1, responded_at=$2 WHERE id=$3 RETURNING `+reqCols,
			models.StatusRejected, now, requestID)
		out, err = scanRequest(row)
		return err
	})
	return out, err
}

func (p *PostgresStore) CancelRequest(ctx context.Context, spotID, requesterID int64) (models.Request, error) {
	var out models.Request
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		req, err := scanRequest(tx.QueryRowContext(ctx,
			`SELECT `+reqCols+` FROM requests WHERE spot_id=$1 AND requester_id=$2 FOR UPDATE`, spotID, requesterID))
		if err != nil {
			return err
		}
		if req.Status != models.StatusPending {
			return ErrConflict
		}
		// cancellation removes the row entirely, unlike decline which keeps history
		if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id=$1`, req.ID); err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

func (p *PostgresStore) AcceptedRequest(ctx context.Context, spotID, requesterID int64) (models.Request, error) {
	return scanRequest(p.db.QueryRowContext(ctx,
		`SELECT `+reqCols+` FROM requests WHERE spot_id=$1 AND requester_id=$2 AND status=$3`,
		spotID, requesterID, models.StatusAccepted))
}

func (p *PostgresStore) ActiveRequestsForUser(ctx context.Context, userID int64) ([]models.Request, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+reqCols+` FROM requests WHERE status IN ($1,$2) AND (requester_id=$3 OR owner_id=$3) ORDER BY requested_at`,
		models.StatusPending, models.StatusAccepted, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetEscrowHold(ctx context.Context, requestID int64, holdID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE requests SET escrow_hold=$1 WHERE id=$2`, holdID, requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Settle(ctx context.Context, spotID, requesterID, ownerID int64, now time.Time) (Settlement, error) {
	var out Settlement
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		spot, err := scanSpot(tx.QueryRowContext(ctx, `SELECT `+spotCols+` FROM parking_spots WHERE id=$1 FOR UPDATE`, spotID))
		if err != nil {
			return err
		}
		if spot.OwnerID != ownerID {
			return ErrUnauthorized
		}
		req, err := scanRequest(tx.QueryRowContext(ctx,
			`SELECT `+reqCols+` FROM requests WHERE spot_id=$1 AND requester_id=$2 AND status=$3 FOR UPDATE`,
			spotID, requesterID, models.StatusAccepted))
		if err != nil {
			return err
		}
		if _, terr := models.NextStatus(req.Status, models.ActionSettle); terr != nil {
			return terr
		}
		requester, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=$1 FOR UPDATE`, requesterID))
		if err != nil {
			return err
		}
		if requester.ReservedAmount < spot.Price {
			return fmt.Errorf("%w: reserved %d below price %d", ErrConflict, requester.ReservedAmount, spot.Price)
		}
		latency := now.Sub(*req.AcceptedAt).Minutes()

		requester, err = scanUser(tx.QueryRowContext(ctx,
			`UPDATE users SET credits = credits - $1, reserved_amount = 0, spots_taken = spots_taken + 1,
			        total_arrival_time = total_arrival_time + $2, completed_transactions_count = completed_transactions_count + 1
			 WHERE id=$3 RETURNING `+userCols,
			spot.Price, latency, requesterID))
		if err != nil {
			return err
		}
		owner, err := scanUser(tx.QueryRowContext(ctx,
			`UPDATE users SET credits = credits + $1 WHERE id=$2 RETURNING `+userCols, spot.Price, spot.OwnerID))
		if err != nil {
			return err
		}
		req, err = scanRequest(tx.QueryRowContext(ctx,
			`UPDATE requests SET status=$1, arrived_at=$2 WHERE id=$3 RETURNING `+reqCols,
			models.StatusFulfilled, now, req.ID))
		if err != nil {
			return err
		}
		ret, err := retireTx(ctx, tx, spot)
		if err != nil {
			return err
		}
		out = Settlement{
			Request:        req,
			Spot:           spot,
			Requester:      requester,
			Owner:          owner,
			RequesterIDs:   ret.RequesterIDs,
			LatencyMinutes: latency,
		}
		return nil
	})
	return out, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func nullableTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC() // sentinel matched by NULLIF(.., 'epoch')
	}
	return t
}
