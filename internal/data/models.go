package data

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Sentinel errors returned by the stores. Handlers map these onto HTTP
// status classes and socket error events; everything else is treated as a
// persistence failure.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrMessageNotFound = errors.New("message not found")
)

// User maps to the users collection. IsOnline and LastSeen are mutated by
// session registry transitions; everything else is written at registration.
type User struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Name      string        `bson:"name"`
	Email     string        `bson:"email,unique"`
	Password  string        `bson:"password"`
	IsOnline  bool          `bson:"is_online"`
	LastSeen  time.Time     `bson:"last_seen"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

// Message maps to the messages collection. Delivered and Read are the only
// mutable fields and move in one direction: false to true, never back.
type Message struct {
	ID          bson.ObjectID `bson:"_id,omitempty" json:"id"`
	SenderID    bson.ObjectID `bson:"sender_id" json:"senderId"`
	ReceiverID  bson.ObjectID `bson:"receiver_id" json:"receiverId"`
	Body        string        `bson:"body" json:"message"`
	SentAt      time.Time     `bson:"sent_at" json:"timestamp"`
	Delivered   bool          `bson:"delivered" json:"delivered"`
	DeliveredAt time.Time     `bson:"delivered_at,omitempty" json:"deliveredAt,omitzero"`
	Read        bool          `bson:"read" json:"isRead"`
	ReadAt      time.Time     `bson:"read_at,omitempty" json:"readAt,omitzero"`
	CreatedAt   time.Time     `bson:"created_at" json:"-"`
}

// UserProjection is the display shape of a user handed out to clients:
// no password hash, no bookkeeping timestamps.
type UserProjection struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// Projection converts a stored user into its client-facing shape.
func (u *User) Projection() UserProjection {
	return UserProjection{
		ID:       u.ID.Hex(),
		Name:     u.Name,
		Email:    u.Email,
		IsOnline: u.IsOnline,
		LastSeen: u.LastSeen,
	}
}

// ConversationRow is one group produced by the conversation aggregation:
// the peer's id, the newest message exchanged with them, and how many of
// their messages the querying user has not read yet. The peer identity is
// resolved into a display projection by the caller.
type ConversationRow struct {
	PeerID        bson.ObjectID `bson:"_id"`
	LastMessage   string        `bson:"last_message"`
	LastMessageAt time.Time     `bson:"last_message_at"`
	UnreadCount   int64         `bson:"unread_count"`
}

// ConversationSummary is a ConversationRow with the peer resolved. It is
// derived on every query and never stored.
type ConversationSummary struct {
	User          UserProjection `json:"user"`
	LastMessage   string         `json:"lastMessage"`
	LastMessageAt time.Time      `json:"lastMessageTime"`
	UnreadCount   int64          `json:"unreadCount"`
}
