package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// dialPair upgrades one connection through a throwaway test server and
// returns both ends.
func dialPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	server = <-accepted
	t.Cleanup(func() { server.Close() })
	return server, client
}

func TestSessionSendAndRead(t *testing.T) {
	serverConn, clientConn := dialPair(t)
	hub := NewHub()
	sess := hub.Add(serverConn)

	if err := sess.Send("greeting", map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var env Envelope
	if err := clientConn.ReadJSON(&env); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if env.Event != "greeting" {
		t.Errorf("event = %s", env.Event)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil || data["text"] != "hello" {
		t.Errorf("data = %s err = %v", env.Data, err)
	}

	// the other direction: client writes, session reads
	if err := clientConn.WriteJSON(Envelope{Event: "ping"}); err != nil {
		t.Fatal(err)
	}
	got, err := sess.Read()
	if err != nil || got.Event != "ping" {
		t.Errorf("read = %+v err = %v", got, err)
	}
}

func TestHubBookkeeping(t *testing.T) {
	hub := NewHub()
	c1, _ := dialPair(t)
	c2, _ := dialPair(t)

	s1 := hub.Add(c1)
	s2 := hub.Add(c2)
	if s1.ID() == s2.ID() {
		t.Fatal("transport ids collide")
	}
	if hub.Len() != 2 {
		t.Errorf("len = %d", hub.Len())
	}
	if got, ok := hub.Get(s1.ID()); !ok || got != s1 {
		t.Error("get did not return the registered session")
	}

	seen := 0
	hub.Each(func(*Session) { seen++ })
	if seen != 2 {
		t.Errorf("each visited %d sessions", seen)
	}

	hub.Remove(s1.ID())
	if _, ok := hub.Get(s1.ID()); ok {
		t.Error("removed session still resolves")
	}
	if hub.Len() != 1 {
		t.Errorf("len after remove = %d", hub.Len())
	}
}
