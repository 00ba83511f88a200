package main

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// Presence reacts to session registry transitions: it mirrors the user's
// online flag onto their stored document and broadcasts the full active
// set to every connection. Snapshots rather than diffs, so every client
// converges on the true set after any single event. It also forwards
// typing indicators, which are transient and never persisted.
type Presence struct {
	hub   *Hub
	users UserStore
	log   *zap.Logger
}

// NewPresence returns a broadcaster bound to the hub and user store.
func NewPresence(hub *Hub, users UserStore, log *zap.Logger) *Presence {
	return &Presence{hub: hub, users: users, log: log}
}

// SessionChanged is the hub's transition callback. Store failures are
// logged and swallowed: presence is best effort and must never break a
// connect or disconnect.
func (p *Presence) SessionChanged(userID string, online bool) {
	now := time.Now()
	if id, err := bson.ObjectIDFromHex(userID); err == nil {
		if err := p.users.SetOnline(context.Background(), id, online, now); err != nil {
			p.log.Warn("failed to persist presence transition",
				zap.String("user_id", userID), zap.Bool("online", online), zap.Error(err))
		}
	}

	p.broadcastSnapshot()

	if !online {
		p.hub.Broadcast(Event{Event: evUserStatusUpdate, Data: statusPayload{
			UserID:   userID,
			IsOnline: false,
			LastSeen: now,
		}})
	}
}

// StatusChanged handles an explicit update_status event from a client:
// persist the flag and broadcast a targeted status update.
func (p *Presence) StatusChanged(userID string, online bool, lastSeen time.Time) {
	if id, err := bson.ObjectIDFromHex(userID); err == nil {
		if err := p.users.SetOnline(context.Background(), id, online, lastSeen); err != nil {
			p.log.Warn("failed to persist status update",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	p.hub.Broadcast(Event{Event: evUserStatusUpdate, Data: statusPayload{
		UserID:   userID,
		IsOnline: online,
		LastSeen: lastSeen,
	}})
}

// Typing forwards a typing indicator to the addressed receiver only.
// Fire and forget: an offline receiver is not an error.
func (p *Presence) Typing(fromID, fromName, receiverID string, started bool) {
	var ev Event
	if started {
		ev = Event{Event: evUserTyping, Data: typingPayload{UserID: fromID, Name: fromName}}
	} else {
		ev = Event{Event: evUserStoppedTyping, Data: stoppedTypingPayload{UserID: fromID}}
	}
	_ = p.hub.SendToUser(receiverID, ev)
}

func (p *Presence) broadcastSnapshot() {
	p.hub.Broadcast(Event{Event: evUsersOnline, Data: p.hub.ActiveUsers()})
}
