package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/dinos3741/parksphere-sub000/internal/geo"
	"github.com/dinos3741/parksphere-sub000/internal/models"
	"github.com/dinos3741/parksphere-sub000/internal/store"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username    string `json:"username"`
		CarType     string `json:"car_type"`
		CarColor    string `json:"car_color"`
		PlateNumber string `json:"plate_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	u, err := s.Store.CreateUser(r.Context(), models.User{
		Username:    in.Username,
		CarType:     in.CarType,
		CarColor:    in.CarColor,
		PlateNumber: in.PlateNumber,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.signToken(u.ID, u.Username)
	if err != nil {
		http.Error(w, "token signing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": u, "token": token})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	u, err := s.Store.GetUser(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateCar(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	var in struct {
		CarType     string `json:"car_type"`
		CarColor    string `json:"car_color"`
		PlateNumber string `json:"plate_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Store.UpdateCar(r.Context(), id.UserID, in.CarType, in.CarColor, in.PlateNumber); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	var in struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	u, err := s.Store.AddCredits(r.Context(), id.UserID, in.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeclareSpot(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	var in struct {
		Lat         float64         `json:"lat"`
		Lon         float64         `json:"lon"`
		TimeToLeave int             `json:"time_to_leave"`
		CostType    models.CostType `json:"cost_type"`
		Price       int64           `json:"price"`
		Comments    string          `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.CostType == "" {
		in.CostType = models.CostFree
	}
	spot, err := s.Coord.DeclareSpot(r.Context(), models.Spot{
		OwnerID:     id.UserID,
		Loc:         models.Coord{Lat: in.Lat, Lon: in.Lon},
		TimeToLeave: in.TimeToLeave,
		CostType:    in.CostType,
		Price:       in.Price,
		Comments:    in.Comments,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, spot)
}

// handleListSpots returns all declared spots. Coordinates are fuzzed for
// everyone but the owner; the true location travels only in the accept
// notification.
func (s *Server) handleListSpots(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	spots, err := s.Store.ListSpots(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]models.Spot, 0, len(spots))
	for _, sp := range spots {
		if sp.OwnerID != id.UserID {
			sp.Loc = geo.Fuzz(sp.Loc, s.Coord.FuzzMeters)
		}
		out = append(out, sp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEditSpot(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	spotID, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var in struct {
		TimeToLeave int             `json:"time_to_leave"`
		CostType    models.CostType `json:"cost_type"`
		Price       int64           `json:"price"`
		Comments    string          `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spot, err := s.Coord.EditSpot(r.Context(), models.Spot{
		ID:          spotID,
		OwnerID:     id.UserID,
		TimeToLeave: in.TimeToLeave,
		CostType:    in.CostType,
		Price:       in.Price,
		Comments:    in.Comments,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spot)
}

func (s *Server) handleDeleteSpot(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	spotID, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Coord.DeleteSpot(r.Context(), spotID, id.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestSpot(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	spotID, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var in struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := s.Coord.RequestSpot(r.Context(), spotID, id.UserID, models.Coord{Lat: in.Lat, Lon: in.Lon})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	spotID, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Coord.CancelRequest(r.Context(), spotID, id.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRequestDetails lists the caller's active requests, both sides:
// requests they placed and requests against their spot.
func (s *Server) handleRequestDetails(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	reqs, err := s.Store.ActiveRequestsForUser(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []models.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var illegal *models.ErrIllegalTransition
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrConflict) || errors.As(err, &illegal):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrUnauthorized):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, geo.ErrInvalidCoordinate):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}
