package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dinos3741/parksphere-sub000/internal/lifecycle"
	"github.com/dinos3741/parksphere-sub000/internal/models"
	"github.com/dinos3741/parksphere-sub000/internal/notify"
	"github.com/dinos3741/parksphere-sub000/internal/presence"
	"github.com/dinos3741/parksphere-sub000/internal/realtime"
	"github.com/dinos3741/parksphere-sub000/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	hub := realtime.NewHub()
	reg := presence.NewMemory()
	coord := &lifecycle.Coordinator{
		Store:    st,
		Notify:   notify.NewFanout(hub, reg, logger),
		Logger:   logger,
		SpeedMps: 10,
	}
	srv := httptest.NewServer(NewServer(coord, st, hub, reg, "test_secret", logger))
	t.Cleanup(srv.Close)
	return srv
}

// call sends a JSON request and decodes the response body into out when the
// pointer is non-nil.
func call(t *testing.T, srv *httptest.Server, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func registerUser(t *testing.T, srv *httptest.Server, username string) (models.User, string) {
	t.Helper()
	var out struct {
		User  models.User `json:"user"`
		Token string      `json:"token"`
	}
	code := call(t, srv, "POST", "/api/v1/users", "", map[string]string{"username": username}, &out)
	if code != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, code)
	}
	return out.User, out.Token
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	if code := call(t, srv, "GET", "/api/v1/spots", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("no token: status %d", code)
	}
	if code := call(t, srv, "GET", "/api/v1/spots", "not-a-jwt", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("garbage token: status %d", code)
	}
	if code := call(t, srv, "GET", "/healthz", "", nil, nil); code != http.StatusOK {
		t.Errorf("healthz: status %d", code)
	}
}

func TestSpotLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	_, ownerTok := registerUser(t, srv, "owner")
	_, aliceTok := registerUser(t, srv, "alice")

	declare := map[string]any{
		"lat": 37.97, "lon": 23.73, "time_to_leave": 15,
		"cost_type": "paid", "price": 20,
	}
	var spot models.Spot
	if code := call(t, srv, "POST", "/api/v1/spots", ownerTok, declare, &spot); code != http.StatusCreated {
		t.Fatalf("declare: status %d", code)
	}
	if code := call(t, srv, "POST", "/api/v1/spots", ownerTok, declare, nil); code != http.StatusConflict {
		t.Errorf("second declare: status %d, want 409", code)
	}

	var spots []models.Spot
	if code := call(t, srv, "GET", "/api/v1/spots", aliceTok, nil, &spots); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if len(spots) != 1 || spots[0].ID != spot.ID {
		t.Fatalf("spots = %+v", spots)
	}

	spotPath := fmt.Sprintf("/api/v1/spots/%d", spot.ID)

	// requesting your own spot is refused
	at := map[string]float64{"lat": 37.98, "lon": 23.72}
	if code := call(t, srv, "POST", spotPath+"/request", ownerTok, at, nil); code != http.StatusConflict {
		t.Errorf("self-request: status %d, want 409", code)
	}
	var req models.Request
	if code := call(t, srv, "POST", spotPath+"/request", aliceTok, at, &req); code != http.StatusCreated {
		t.Fatalf("request: status %d", code)
	}
	if req.Status != models.StatusPending {
		t.Errorf("request status = %s", req.Status)
	}

	var active []models.Request
	if code := call(t, srv, "GET", "/api/v1/requests", ownerTok, nil, &active); code != http.StatusOK {
		t.Fatalf("active requests: status %d", code)
	}
	if len(active) != 1 || active[0].ID != req.ID {
		t.Errorf("active = %+v", active)
	}

	if code := call(t, srv, "DELETE", spotPath+"/request", aliceTok, nil, nil); code != http.StatusNoContent {
		t.Errorf("cancel: status %d", code)
	}

	// deletion is owner-only
	if code := call(t, srv, "DELETE", spotPath, aliceTok, nil, nil); code != http.StatusForbidden {
		t.Errorf("delete by stranger: status %d, want 403", code)
	}
	if code := call(t, srv, "DELETE", spotPath, ownerTok, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete by owner: status %d", code)
	}
	if code := call(t, srv, "DELETE", spotPath, ownerTok, nil, nil); code != http.StatusNotFound {
		t.Errorf("double delete: status %d, want 404", code)
	}
}

func TestOwnerSeesTrueCoordinates(t *testing.T) {
	srv := newTestServer(t)
	_, ownerTok := registerUser(t, srv, "owner")
	declare := map[string]any{"lat": 37.97, "lon": 23.73, "time_to_leave": 15}
	var spot models.Spot
	if code := call(t, srv, "POST", "/api/v1/spots", ownerTok, declare, &spot); code != http.StatusCreated {
		t.Fatalf("declare: status %d", code)
	}
	var spots []models.Spot
	call(t, srv, "GET", "/api/v1/spots", ownerTok, nil, &spots)
	if len(spots) != 1 || spots[0].Loc != spot.Loc {
		t.Errorf("owner view = %+v, want %+v", spots, spot.Loc)
	}
}

func TestCreditTopUpValidation(t *testing.T) {
	srv := newTestServer(t)
	_, tok := registerUser(t, srv, "kostas")

	if code := call(t, srv, "POST", "/api/v1/users/me/credits", tok, map[string]int64{"amount": -5}, nil); code != http.StatusBadRequest {
		t.Errorf("negative top-up: status %d", code)
	}
	var u models.User
	if code := call(t, srv, "POST", "/api/v1/users/me/credits", tok, map[string]int64{"amount": 50}, &u); code != http.StatusOK {
		t.Fatalf("top-up: status %d", code)
	}
	if u.Credits != 50 {
		t.Errorf("credits = %d", u.Credits)
	}
}
