package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chatrix-app/chatrix-server/internal/auth"
	"github.com/chatrix-app/chatrix-server/internal/data"
	"github.com/chatrix-app/chatrix-server/internal/normalize"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// apiResponse is the envelope every HTTP endpoint answers with.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, message string, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Success: true, Message: message, Data: payload}); err != nil {
		s.log.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Message: message})
}

// serverError logs the detailed cause and answers with a generic message.
func (s *Server) serverError(w http.ResponseWriter, what string, err error) {
	s.log.Error(what, zap.Error(err))
	s.fail(w, http.StatusInternalServerError, "server error")
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sendRequest struct {
	ReceiverID string `json:"receiverId" validate:"required,len=24,hexadecimal"`
	Body       string `json:"message" validate:"required"`
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type authResponse struct {
	Token     string              `json:"token"`
	ExpiresAt time.Time           `json:"expiresAt"`
	User      data.UserProjection `json:"user"`
}

// handleRegister creates an account and issues a token. Besides the
// middleware's per-IP limit, the account email is rate limited so one
// address can't be hammered from many hosts.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, http.StatusBadRequest, "name, email and password (8+ characters) are required")
		return
	}
	if !s.limiter.Allow("email:" + normalize.Email(req.Email)) {
		s.fail(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		s.serverError(w, "failed to hash password", err)
		return
	}

	user, err := s.users.CreateUser(r.Context(), req.Name, req.Email, hashed)
	if err != nil {
		if errors.Is(err, data.ErrUserExists) {
			s.fail(w, http.StatusConflict, "email already registered")
			return
		}
		s.serverError(w, "failed to create user", err)
		return
	}

	token, expiresAt, err := s.auth.GenerateToken(user.ID, user.Email, user.Name)
	if err != nil {
		s.serverError(w, "failed to generate token", err)
		return
	}

	s.respond(w, http.StatusCreated, "registered successfully", authResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user.Projection(),
	})
}

// handleLogin verifies credentials and issues a token. Unknown accounts
// and wrong passwords are indistinguishable to the caller.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if !s.limiter.Allow("email:" + normalize.Email(req.Email)) {
		s.fail(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	user, err := s.users.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			s.fail(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.serverError(w, "failed to load user", err)
		return
	}
	if err := auth.CheckPassword(user.Password, req.Password); err != nil {
		s.fail(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.auth.GenerateToken(user.ID, user.Email, user.Name)
	if err != nil {
		s.serverError(w, "failed to generate token", err)
		return
	}

	s.respond(w, http.StatusOK, "logged in successfully", authResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user.Projection(),
	})
}

// handleListUsers returns the contact directory: everyone except the
// caller.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	_, selfID, ok := s.identity(w, r)
	if !ok {
		return
	}

	users, err := s.users.ListUsersExcept(r.Context(), selfID)
	if err != nil {
		s.serverError(w, "failed to list users", err)
		return
	}

	projections := lo.Map(users, func(u *data.User, _ int) data.UserProjection { return u.Projection() })
	s.respond(w, http.StatusOK, "users fetched", map[string]any{"users": projections})
}

// handleSend is the synchronous send path: same pipeline as the socket
// surface, message returned in the response instead of a message_sent
// event.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	_, selfID, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, http.StatusBadRequest, "receiverId and message are required")
		return
	}

	receiverID, err := bson.ObjectIDFromHex(req.ReceiverID)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid receiver id")
		return
	}

	payload, err := s.delivery.Send(r.Context(), selfID, receiverID, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody), errors.Is(err, errSelfSend):
			s.fail(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, errUnknownSender):
			s.fail(w, http.StatusUnauthorized, "invalid identity")
		case errors.Is(err, data.ErrUserNotFound):
			s.fail(w, http.StatusNotFound, "receiver not found")
		default:
			s.serverError(w, "failed to send message", err)
		}
		return
	}

	s.respond(w, http.StatusCreated, "message sent successfully", payload)
}

// handleMessages returns one page of the conversation with the user in
// the path, oldest first for display.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	claims, selfID, ok := s.identity(w, r)
	if !ok {
		return
	}

	peerID, err := bson.ObjectIDFromHex(r.PathValue("userID"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid user id")
		return
	}

	peer, err := s.users.GetUserByID(r.Context(), peerID)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			s.fail(w, http.StatusNotFound, "user not found")
			return
		}
		s.serverError(w, "failed to load user", err)
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if limit > 100 {
		limit = 100
	}

	messages, err := s.msgs.GetMessageHistory(r.Context(), selfID, peerID, page, limit)
	if err != nil {
		s.serverError(w, "failed to load messages", err)
		return
	}

	self := userRef{ID: claims.UserID, Name: claims.Name, Email: claims.Email}
	peerRef := userRef{ID: peer.ID.Hex(), Name: peer.Name, Email: peer.Email}

	payloads := lo.Map(messages, func(m *data.Message, _ int) messagePayload {
		sender, receiver := self, peerRef
		if m.SenderID == peerID {
			sender, receiver = peerRef, self
		}
		return messagePayload{
			ID:        m.ID.Hex(),
			Sender:    sender,
			Receiver:  receiver,
			Body:      m.Body,
			SentAt:    m.SentAt,
			Delivered: m.Delivered,
			Read:      m.Read,
		}
	})

	s.respond(w, http.StatusOK, "messages fetched", map[string]any{
		"messages": payloads,
		"pagination": map[string]int64{
			"page":  page,
			"limit": limit,
		},
	})
}

// handleConversations returns the per-peer rollup for the caller.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	_, selfID, ok := s.identity(w, r)
	if !ok {
		return
	}

	summaries, err := s.agg.ConversationsFor(r.Context(), selfID)
	if err != nil {
		s.serverError(w, "failed to aggregate conversations", err)
		return
	}

	s.respond(w, http.StatusOK, "conversations fetched", map[string]any{"conversations": summaries})
}

// handleMarkRead marks messages from the peer in the path as read. An
// optional body narrows the operation to specific message ids. The peer
// gets a best-effort messages_read event.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, selfID, ok := s.identity(w, r)
	if !ok {
		return
	}

	peerID, err := bson.ObjectIDFromHex(r.PathValue("userID"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ids := make([]bson.ObjectID, 0, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		id, err := bson.ObjectIDFromHex(raw)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "invalid message id")
			return
		}
		ids = append(ids, id)
	}

	count, marked, err := s.msgs.MarkRead(r.Context(), selfID, peerID, ids)
	if err != nil {
		s.serverError(w, "failed to mark messages read", err)
		return
	}

	s.notifyRead(claims.UserID, peerID.Hex(), marked)

	s.respond(w, http.StatusOK, "messages marked as read", map[string]int64{"updated": count})
}

// notifyRead sends the read receipt to the peer if they are reachable.
// Best effort: failure never surfaces to the reader.
func (s *Server) notifyRead(readerID, peerID string, marked []bson.ObjectID) {
	if len(marked) == 0 {
		return
	}
	ev := Event{Event: evMessagesRead, Data: messagesReadPayload{
		ReadBy:     readerID,
		MessageIDs: lo.Map(marked, func(id bson.ObjectID, _ int) string { return id.Hex() }),
	}}
	if err := s.hub.SendToUser(peerID, ev); err != nil {
		s.log.Debug("read receipt not delivered", zap.String("peer_id", peerID), zap.Error(err))
	}
}

// identity resolves the verified claims attached by requireAuth.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (*auth.Claims, bson.ObjectID, bool) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return nil, bson.ObjectID{}, false
	}
	id, err := claims.SubjectID()
	if err != nil {
		s.fail(w, http.StatusUnauthorized, "invalid identity")
		return nil, bson.ObjectID{}, false
	}
	return claims, id, true
}

func queryInt(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 {
		return def
	}
	return n
}
