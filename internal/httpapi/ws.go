package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/dinos3741/parksphere-sub000/internal/observability"
	"github.com/dinos3741/parksphere-sub000/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Inbound realtime event names.
const (
	evRegister         = "register"
	evUnregister       = "unregister"
	evAcceptRequest    = "acceptRequest"
	evDeclineRequest   = "declineRequest"
	evRequesterArrived = "requester-arrived"
	evConfirmTx        = "confirm-transaction"
	evPrivateMessage   = "privateMessage"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.Hub.Add(conn)
	observability.SessionsConnected.Inc()
	go s.readLoop(sess)
}

// readLoop owns one transport for its lifetime. The caller's identity is
// whatever was last bound to this transport via register; owner/requester
// claims inside payloads are never trusted over it.
func (s *Server) readLoop(sess *realtime.Session) {
	ctx := context.Background()
	var userID int64

	defer func() {
		_ = s.Presence.TransportClosed(ctx, sess.ID())
		s.Hub.Remove(sess.ID())
		observability.SessionsConnected.Dec()
		_ = sess.Close()
	}()

	for {
		env, err := sess.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("ws read error", "transport", sess.ID(), "error", err)
			}
			return
		}

		switch env.Event {
		case evRegister:
			var in struct {
				UserID   int64  `json:"userId"`
				Username string `json:"username"`
			}
			if !decode(env.Data, &in, sess, s) {
				continue
			}
			if err := s.Presence.Register(ctx, in.UserID, in.Username, sess.ID()); err != nil {
				s.sendError(sess, evRegister, err)
				continue
			}
			userID = in.UserID

		case evUnregister:
			if userID != 0 {
				_ = s.Presence.Unregister(ctx, userID)
				userID = 0
			}

		case evAcceptRequest:
			var in struct {
				RequestID int64 `json:"requestId"`
				SpotID    int64 `json:"spotId"`
			}
			if !decode(env.Data, &in, sess, s) {
				continue
			}
			if _, err := s.Coord.AcceptRequest(ctx, in.RequestID, in.SpotID, userID); err != nil {
				s.sendError(sess, evAcceptRequest, err)
			}

		case evDeclineRequest:
			var in struct {
				RequestID int64 `json:"requestId"`
				SpotID    int64 `json:"spotId"`
			}
			if !decode(env.Data, &in, sess, s) {
				continue
			}
			if _, err := s.Coord.DeclineRequest(ctx, in.RequestID, in.SpotID, userID); err != nil {
				s.sendError(sess, evDeclineRequest, err)
			}

		case evRequesterArrived:
			var in struct {
				SpotID int64 `json:"spotId"`
			}
			if !decode(env.Data, &in, sess, s) {
				continue
			}
			if err := s.Coord.RequesterArrived(ctx, in.SpotID, userID); err != nil {
				s.sendError(sess, evRequesterArrived, err)
			}

		case evConfirmTx:
			var in struct {
				SpotID      int64 `json:"spotId"`
				RequesterID int64 `json:"requesterId"`
			}
			if !decode(env.Data, &in, sess, s) {
				continue
			}
			if _, err := s.Coord.ConfirmTransaction(ctx, in.SpotID, in.RequesterID, userID); err != nil {
				s.sendError(sess, evConfirmTx, err)
			}

		case evPrivateMessage:
			var in struct {
				ToUserID int64  `json:"toUserId"`
				Message  string `json:"message"`
			}
			if !decode(env.Data, &in, sess, s) {
				continue
			}
			if err := s.Coord.PrivateMessage(ctx, userID, in.ToUserID, in.Message); err != nil {
				s.sendError(sess, evPrivateMessage, err)
			}

		default:
			s.logger.Debug("unknown ws event", "event", env.Event, "transport", sess.ID())
		}
	}
}

func decode(data json.RawMessage, v any, sess *realtime.Session, s *Server) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.sendError(sess, "decode", err)
		return false
	}
	return true
}

// sendError reports a failed operation to the initiator only; other parties
// are never told about an aborted attempt.
func (s *Server) sendError(sess *realtime.Session, event string, err error) {
	_ = sess.Send("error", map[string]string{"event": event, "message": err.Error()})
}
