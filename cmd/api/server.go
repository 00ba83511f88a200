package main

import (
	"context"
	"net/http"
	"time"

	"github.com/chatrix-app/chatrix-server/internal/auth"
	"github.com/chatrix-app/chatrix-server/internal/data"
	"github.com/chatrix-app/chatrix-server/internal/middleware"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// UserStore is the identity collaborator as the server sees it. Satisfied
// by *data.UsersStore; narrowed here so tests can substitute fakes.
type UserStore interface {
	CreateUser(ctx context.Context, name, email, hashedPassword string) (*data.User, error)
	GetUserByEmail(ctx context.Context, email string) (*data.User, error)
	GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error)
	GetUsersByIDs(ctx context.Context, ids []bson.ObjectID) (map[bson.ObjectID]*data.User, error)
	ListUsersExcept(ctx context.Context, id bson.ObjectID) ([]*data.User, error)
	SetOnline(ctx context.Context, id bson.ObjectID, online bool, lastSeen time.Time) error
}

// MessageStore is the message log collaborator. Satisfied by
// *data.MessagesStore.
type MessageStore interface {
	SaveMessage(ctx context.Context, senderID, receiverID bson.ObjectID, body string, sentAt time.Time) (*data.Message, error)
	MarkDelivered(ctx context.Context, id bson.ObjectID, at time.Time) error
	MarkRead(ctx context.Context, readerID, peerID bson.ObjectID, messageIDs []bson.ObjectID) (int64, []bson.ObjectID, error)
	GetMessageHistory(ctx context.Context, userA, userB bson.ObjectID, page, limit int64) ([]*data.Message, error)
	ConversationRollup(ctx context.Context, userID bson.ObjectID) ([]*data.ConversationRow, error)
}

// Server wires the HTTP surface, the socket endpoint, and the core
// components together.
type Server struct {
	cfg      Config
	log      *zap.Logger
	users    UserStore
	msgs     MessageStore
	auth     *auth.JWTManager
	hub      *Hub
	presence *Presence
	delivery *Delivery
	agg      *Aggregator
	limiter  *middleware.LimiterStore
	validate *validator.Validate
	upgrader websocket.Upgrader
	wsRoutes map[string]wsHandlerFunc
}

// newServer returns a ready-to-use Server. The hub's transition callback
// is wired to the presence broadcaster here, so every register/unregister
// produces a users_online snapshot.
func newServer(cfg Config, log *zap.Logger, users UserStore, msgs MessageStore, authMgr *auth.JWTManager, hub *Hub, limiter *middleware.LimiterStore) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		users:    users,
		msgs:     msgs,
		auth:     authMgr,
		hub:      hub,
		limiter:  limiter,
		validate: validator.New(),
	}

	s.presence = NewPresence(hub, users, log)
	hub.OnTransition(s.presence.SessionChanged)
	s.delivery = NewDelivery(users, msgs, hub, log)
	s.agg = NewAggregator(users, msgs)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == cfg.AllowedOrigin
		},
	}

	// Dispatch table for the socket surface: event name to handler.
	s.wsRoutes = map[string]wsHandlerFunc{
		evJoinRoom:     s.wsJoinRoom,
		evLeaveRoom:    s.wsLeaveRoom,
		evSendMessage:  s.wsSendMessage,
		evTypingStart:  s.wsTypingStart,
		evTypingStop:   s.wsTypingStop,
		evMarkAsRead:   s.wsMarkAsRead,
		evUpdateStatus: s.wsUpdateStatus,
	}

	return s
}

// routes assembles the HTTP surface. Register and login carry per-IP rate
// limiting; everything under /api/chat requires a verified identity.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/auth/register", middleware.RateLimit(s.limiter, http.HandlerFunc(s.handleRegister)))
	mux.Handle("POST /api/auth/login", middleware.RateLimit(s.limiter, http.HandlerFunc(s.handleLogin)))

	mux.Handle("GET /api/chat/users", s.requireAuth(s.handleListUsers))
	mux.Handle("POST /api/chat/send", s.requireAuth(s.handleSend))
	mux.Handle("GET /api/chat/messages/{userID}", s.requireAuth(s.handleMessages))
	mux.Handle("GET /api/chat/conversations", s.requireAuth(s.handleConversations))
	mux.Handle("PUT /api/chat/mark-read/{userID}", s.requireAuth(s.handleMarkRead))

	mux.HandleFunc("GET /ws", s.handleWS)

	return s.cors(mux)
}
