package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dinos3741/parksphere-sub000/internal/lifecycle"
	"github.com/dinos3741/parksphere-sub000/internal/presence"
	"github.com/dinos3741/parksphere-sub000/internal/realtime"
	"github.com/dinos3741/parksphere-sub000/internal/store"
)

type Server struct {
	Coord    *lifecycle.Coordinator
	Store    store.Store
	Hub      *realtime.Hub
	Presence presence.Registry

	logger    *slog.Logger
	jwtSecret []byte
	mux       *mux.Router
}

func NewServer(coord *lifecycle.Coordinator, st store.Store, hub *realtime.Hub, reg presence.Registry, jwtSecret string, logger *slog.Logger) *Server {
	s := &Server{
		Coord:     coord,
		Store:     st,
		Hub:       hub,
		Presence:  reg,
		logger:    logger,
		jwtSecret: []byte(jwtSecret),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)

	s.mux.HandleFunc("/api/v1/users", s.handleRegisterUser).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/users/me", s.handleProfile).Methods("GET")
	api.HandleFunc("/users/me/car", s.handleUpdateCar).Methods("PUT")
	api.HandleFunc("/users/me/credits", s.handleTopUp).Methods("POST")
	api.HandleFunc("/spots", s.handleDeclareSpot).Methods("POST")
	api.HandleFunc("/spots", s.handleListSpots).Methods("GET")
	api.HandleFunc("/spots/{id}", s.handleEditSpot).Methods("PUT")
	api.HandleFunc("/spots/{id}", s.handleDeleteSpot).Methods("DELETE")
	api.HandleFunc("/spots/{id}/request", s.handleRequestSpot).Methods("POST")
	api.HandleFunc("/spots/{id}/request", s.handleCancelRequest).Methods("DELETE")
	api.HandleFunc("/requests", s.handleRequestDetails).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
