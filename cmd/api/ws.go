package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/chatrix-app/chatrix-server/internal/data"

	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
)

var errSlowConsumer = errors.New("send buffer full")

// wsHandlerFunc handles one named inbound event for a connection.
type wsHandlerFunc func(ctx context.Context, c *client, payload json.RawMessage)

// client is one live socket bound to a verified identity. Outbound events
// go through a buffered channel drained by the write pump; a full buffer
// means the consumer is too slow and the event is dropped rather than
// blocking whoever is fanning out.
type client struct {
	conn   *websocket.Conn
	send   chan Event
	done   chan struct{}
	connID int64
	userID string
	name   string
	email  string
	log    *zap.Logger

	closeOnce sync.Once
}

// Send queues an event for the write pump without blocking. The send
// channel is never closed; shutdown is signalled through done, so
// concurrent fan-out can never hit a closed channel.
func (c *client) Send(ev Event) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.send <- ev:
		return nil
	default:
		return errSlowConsumer
	}
}

// Close tears the socket down. Used for single-session eviction; the
// connection's read loop notices and unregisters normally.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// handleWS authenticates the handshake, upgrades, registers the session
// and runs the read loop until disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		s.fail(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	claims, err := s.auth.VerifyToken(token)
	if err != nil {
		s.fail(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	if _, err := claims.SubjectID(); err != nil {
		s.fail(w, http.StatusUnauthorized, "invalid identity")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan Event, s.cfg.SendBufferSize),
		done:   make(chan struct{}),
		userID: claims.UserID,
		name:   claims.Name,
		email:  claims.Email,
		log:    s.log.With(zap.String("user_id", claims.UserID)),
	}

	c.connID = s.hub.Register(onlineUser{ID: claims.UserID, Name: claims.Name, Email: claims.Email}, c)
	c.log.Info("session connected", zap.Int64("conn_id", c.connID))

	go c.writePump()
	s.readPump(c)
}

// readPump reads envelopes and dispatches them by event name. On any read
// error the session is released synchronously: registry entry, room
// memberships and the outbound channel all go before this returns.
func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.Unregister(c.userID, c.connID)
		_ = c.Close()
		c.log.Info("session disconnected", zap.Int64("conn_id", c.connID))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in inboundEvent
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected socket close", zap.Error(err))
			}
			return
		}
		s.dispatch(context.Background(), c, &in)
	}
}

// dispatch routes one inbound envelope through the event table. Unknown
// events answer with an error event instead of killing the connection.
func (s *Server) dispatch(ctx context.Context, c *client, in *inboundEvent) {
	handler, ok := s.wsRoutes[in.Event]
	if !ok {
		_ = c.Send(errorEvent("unknown event: " + in.Event))
		return
	}
	handler(ctx, c, in.Data)
}

// writePump drains the outbound channel onto the socket and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Socket event handlers.

func (s *Server) wsSendMessage(ctx context.Context, c *client, payload json.RawMessage) {
	var req sendMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		_ = c.Send(errorEvent("invalid send_message payload"))
		return
	}

	senderID, err := bson.ObjectIDFromHex(c.userID)
	if err != nil {
		_ = c.Send(errorEvent("invalid identity"))
		return
	}
	receiverID, err := bson.ObjectIDFromHex(req.ReceiverID)
	if err != nil {
		_ = c.Send(errorEvent("invalid receiver id"))
		return
	}

	msg, err := s.delivery.Send(ctx, senderID, receiverID, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody), errors.Is(err, errSelfSend):
			_ = c.Send(errorEvent(err.Error()))
		case errors.Is(err, errUnknownSender):
			_ = c.Send(errorEvent("invalid identity"))
		case errors.Is(err, data.ErrUserNotFound):
			_ = c.Send(errorEvent("receiver not found"))
		default:
			c.log.Error("send_message failed", zap.Error(err))
			_ = c.Send(errorEvent("failed to send message"))
		}
		return
	}

	// Confirmation to the sender's own connection; the receiver already
	// got new_message inside the pipeline if they were reachable.
	_ = c.Send(Event{Event: evMessageSent, Data: msg})
}

func (s *Server) wsTypingStart(_ context.Context, c *client, payload json.RawMessage) {
	var req typingRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ReceiverID == "" {
		_ = c.Send(errorEvent("invalid typing_start payload"))
		return
	}
	s.presence.Typing(c.userID, c.name, req.ReceiverID, true)
}

func (s *Server) wsTypingStop(_ context.Context, c *client, payload json.RawMessage) {
	var req typingRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ReceiverID == "" {
		_ = c.Send(errorEvent("invalid typing_stop payload"))
		return
	}
	s.presence.Typing(c.userID, c.name, req.ReceiverID, false)
}

func (s *Server) wsMarkAsRead(ctx context.Context, c *client, payload json.RawMessage) {
	var req markReadEventRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		_ = c.Send(errorEvent("invalid mark_as_read payload"))
		return
	}

	readerID, err := bson.ObjectIDFromHex(c.userID)
	if err != nil {
		_ = c.Send(errorEvent("invalid identity"))
		return
	}
	peerID, err := bson.ObjectIDFromHex(req.PeerID)
	if err != nil {
		_ = c.Send(errorEvent("invalid peer id"))
		return
	}

	ids := make([]bson.ObjectID, 0, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		id, err := bson.ObjectIDFromHex(raw)
		if err != nil {
			_ = c.Send(errorEvent("invalid message id"))
			return
		}
		ids = append(ids, id)
	}

	_, marked, err := s.msgs.MarkRead(ctx, readerID, peerID, ids)
	if err != nil {
		c.log.Error("mark_as_read failed", zap.Error(err))
		_ = c.Send(errorEvent("failed to mark messages as read"))
		return
	}

	s.notifyRead(c.userID, req.PeerID, marked)
}

func (s *Server) wsUpdateStatus(_ context.Context, c *client, payload json.RawMessage) {
	var req statusRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		_ = c.Send(errorEvent("invalid update_status payload"))
		return
	}
	s.presence.StatusChanged(c.userID, req.Status == "online", time.Now())
}

func (s *Server) wsJoinRoom(_ context.Context, c *client, payload json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		_ = c.Send(errorEvent("invalid join_room payload"))
		return
	}
	s.hub.JoinRoom(req.RoomID, c.userID)
}

func (s *Server) wsLeaveRoom(_ context.Context, c *client, payload json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		_ = c.Send(errorEvent("invalid leave_room payload"))
		return
	}
	s.hub.LeaveRoom(req.RoomID, c.userID)
}
