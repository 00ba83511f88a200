package main

import (
	"context"
	"errors"
	"time"

	"github.com/chatrix-app/chatrix-server/internal/data"
	"github.com/chatrix-app/chatrix-server/internal/normalize"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// Validation errors surfaced by the delivery pipeline; handlers map them
// to 400-class responses and socket error events.
var (
	errEmptyBody = errors.New("message body is required")
	errSelfSend  = errors.New("cannot send a message to yourself")

	// errUnknownSender means the authenticated sender's account no longer
	// resolves; an identity problem, not a missing receiver.
	errUnknownSender = errors.New("sender account not found")
)

// Delivery is the message delivery pipeline: persist first, then push to
// whoever is reachable. Persistence is the durability boundary: a failed
// insert aborts the send, while a failed push only means the message stays
// undelivered until the receiver fetches history.
type Delivery struct {
	users UserStore
	msgs  MessageStore
	hub   *Hub
	log   *zap.Logger
}

// NewDelivery returns a pipeline wired to the stores and the session
// registry.
func NewDelivery(users UserStore, msgs MessageStore, hub *Hub, log *zap.Logger) *Delivery {
	return &Delivery{users: users, msgs: msgs, hub: hub, log: log}
}

// Send runs the full pipeline for one message and returns the populated
// payload. The Delivered flag on the result reflects whether a live
// receiver connection accepted the push and the store recorded it.
func (d *Delivery) Send(ctx context.Context, senderID, receiverID bson.ObjectID, body string) (*messagePayload, error) {
	body = normalize.Body(body)
	if body == "" {
		return nil, errEmptyBody
	}
	if senderID == receiverID {
		return nil, errSelfSend
	}

	// Receiver must resolve before anything touches the store.
	receiver, err := d.users.GetUserByID(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	sender, err := d.users.GetUserByID(ctx, senderID)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return nil, errUnknownSender
		}
		return nil, err
	}

	saved, err := d.msgs.SaveMessage(ctx, senderID, receiverID, body, time.Now())
	if err != nil {
		return nil, err
	}

	payload := &messagePayload{
		ID:       saved.ID.Hex(),
		Sender:   userRef{ID: sender.ID.Hex(), Name: sender.Name, Email: sender.Email},
		Receiver: userRef{ID: receiver.ID.Hex(), Name: receiver.Name, Email: receiver.Email},
		Body:     saved.Body,
		SentAt:   saved.SentAt,
	}

	// Push to the receiver if a session exists. Push and flag update are
	// best effort from here on: the message is already durable.
	if d.hub.Lookup(receiverID.Hex()) {
		if err := d.hub.SendToUser(receiverID.Hex(), Event{Event: evNewMessage, Data: payload}); err != nil {
			d.log.Warn("delivery push failed",
				zap.String("message_id", payload.ID),
				zap.String("receiver_id", receiverID.Hex()),
				zap.Error(err))
		} else if err := d.msgs.MarkDelivered(ctx, saved.ID, time.Now()); err != nil {
			d.log.Error("failed to record delivery",
				zap.String("message_id", payload.ID), zap.Error(err))
		} else {
			payload.Delivered = true
		}
	}

	return payload, nil
}
