package main

import (
	"context"

	"github.com/chatrix-app/chatrix-server/internal/data"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Aggregator is the read-only conversation query layer. Every call
// recomputes from the message log, so there is no cache to go stale.
type Aggregator struct {
	users UserStore
	msgs  MessageStore
}

// NewAggregator returns an aggregator over the given stores.
func NewAggregator(users UserStore, msgs MessageStore) *Aggregator {
	return &Aggregator{users: users, msgs: msgs}
}

// ConversationsFor returns one summary per peer the user has exchanged
// messages with, newest conversation first. Peers whose account no longer
// resolves are skipped rather than failing the whole query.
func (a *Aggregator) ConversationsFor(ctx context.Context, userID bson.ObjectID) ([]data.ConversationSummary, error) {
	rows, err := a.msgs.ConversationRollup(ctx, userID)
	if err != nil {
		return nil, err
	}

	peerIDs := lo.Map(rows, func(r *data.ConversationRow, _ int) bson.ObjectID { return r.PeerID })
	peers, err := a.users.GetUsersByIDs(ctx, peerIDs)
	if err != nil {
		return nil, err
	}

	summaries := make([]data.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		peer, ok := peers[r.PeerID]
		if !ok {
			continue
		}
		summaries = append(summaries, data.ConversationSummary{
			User:          peer.Projection(),
			LastMessage:   r.LastMessage,
			LastMessageAt: r.LastMessageAt,
			UnreadCount:   r.UnreadCount,
		})
	}

	return summaries, nil
}
