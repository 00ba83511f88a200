package main

import (
	"encoding/json"
	"time"
)

// Socket event names. Inbound events are dispatched by name; outbound
// events are pushed to connections wrapped in an Event envelope.
const (
	// inbound
	evJoinRoom     = "join_room"
	evLeaveRoom    = "leave_room"
	evSendMessage  = "send_message"
	evTypingStart  = "typing_start"
	evTypingStop   = "typing_stop"
	evMarkAsRead   = "mark_as_read"
	evUpdateStatus = "update_status"

	// outbound
	evUsersOnline       = "users_online"
	evNewMessage        = "new_message"
	evMessageSent       = "message_sent"
	evUserTyping        = "user_typing"
	evUserStoppedTyping = "user_stopped_typing"
	evMessagesRead      = "messages_read"
	evUserStatusUpdate  = "user_status_update"
	evError             = "error"
)

// Event is the outbound envelope written to a socket.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// inboundEvent is the envelope read from a socket; the payload stays raw
// until the named handler decodes it.
type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func errorEvent(msg string) Event {
	return Event{Event: evError, Data: errorPayload{Message: msg}}
}

// userRef identifies a user inside an event payload.
type userRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// onlineUser is one entry of a users_online snapshot. The hub keeps this
// metadata per registered session so snapshots need no store round trip.
type onlineUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// messagePayload is the populated message shape shared by new_message,
// message_sent and the HTTP send/history responses.
type messagePayload struct {
	ID        string    `json:"id"`
	Sender    userRef   `json:"sender"`
	Receiver  userRef   `json:"receiver"`
	Body      string    `json:"message"`
	SentAt    time.Time `json:"timestamp"`
	Delivered bool      `json:"delivered"`
	Read      bool      `json:"isRead"`
}

type typingPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type stoppedTypingPayload struct {
	UserID string `json:"userId"`
}

type messagesReadPayload struct {
	ReadBy     string   `json:"readBy"`
	MessageIDs []string `json:"messageIds"`
}

type statusPayload struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// Inbound payloads.

type sendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Body       string `json:"message"`
}

type typingRequest struct {
	ReceiverID string `json:"receiverId"`
}

type markReadEventRequest struct {
	PeerID     string   `json:"peerId"`
	MessageIDs []string `json:"messageIds"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type roomRequest struct {
	RoomID string `json:"roomId"`
}
