package data

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message database operations. It owns the
// canonical message record: messages are appended once and only their
// delivery and read metadata change afterwards.
type MessagesStore struct {
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using the given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// SaveMessage inserts a message document and returns the saved record.
// Every message starts undelivered and unread; the delivery pipeline
// upgrades those flags after the fact.
func (m *MessagesStore) SaveMessage(ctx context.Context, senderID, receiverID bson.ObjectID, body string, sentAt time.Time) (*Message, error) {
	msg := &Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Body:       body,
		SentAt:     sentAt,
		Delivered:  false,
		Read:       false,
		CreatedAt:  time.Now(),
	}

	result, err := m.coll.InsertOne(ctx, msg)
	if err != nil {
		return nil, err
	}

	msg.ID = result.InsertedID.(bson.ObjectID)
	return msg, nil
}

// FindByID loads a single message.
func (m *MessagesStore) FindByID(ctx context.Context, id bson.ObjectID) (*Message, error) {
	var msg Message
	if err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// MarkDelivered flips the delivered flag on a message. The filter includes
// delivered=false so the transition is monotonic: a second call matches
// nothing and the original delivery timestamp survives.
func (m *MessagesStore) MarkDelivered(ctx context.Context, id bson.ObjectID, at time.Time) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id, "delivered": false},
		bson.M{"$set": bson.M{"delivered": true, "delivered_at": at}},
	)
	return err
}

// MarkRead marks messages sent by peerID to readerID as read and returns
// how many changed along with their ids. When messageIDs is empty every
// unread message from that peer is marked. Re-marking already-read
// messages matches nothing, which makes the operation idempotent: the
// second call reports zero affected messages.
func (m *MessagesStore) MarkRead(ctx context.Context, readerID, peerID bson.ObjectID, messageIDs []bson.ObjectID) (int64, []bson.ObjectID, error) {
	filter := bson.M{
		"sender_id":   peerID,
		"receiver_id": readerID,
		"read":        false,
	}
	if len(messageIDs) > 0 {
		filter["_id"] = bson.M{"$in": messageIDs}
	}

	// Collect the ids first so the read receipt can name exactly which
	// messages flipped. Concurrent markers may race between the find and
	// the update; setting read=true is commutative so the worst case is
	// both callers reporting the same message, never a lost update.
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return 0, nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID bson.ObjectID `bson:"_id"`
	}
	if err = cursor.All(ctx, &rows); err != nil {
		return 0, nil, err
	}
	if len(rows) == 0 {
		return 0, nil, nil
	}

	ids := make([]bson.ObjectID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}

	result, err := m.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "read": false},
		bson.M{"$set": bson.M{"read": true, "read_at": time.Now()}},
	)
	if err != nil {
		return 0, nil, err
	}
	return result.ModifiedCount, ids, nil
}

// GetMessageHistory returns one page of the conversation between two
// users, oldest first so clients can render top-down. Pagination walks
// backwards from the newest message: page 1 is the most recent page.
func (m *MessagesStore) GetMessageHistory(ctx context.Context, userA, userB bson.ObjectID, page, limit int64) ([]*Message, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	opts := options.Find().
		SetSort(bson.M{"sent_at": -1}).
		SetSkip((page - 1) * limit).
		SetLimit(limit)

	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender_id": userA, "receiver_id": userB},
			bson.M{"sender_id": userB, "receiver_id": userA},
		},
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	// The query sorted newest-first to make skip/limit pick the latest
	// page; reverse into chronological order for display.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// ConversationRollup groups the user's entire message log by the other
// party and computes, per peer, the newest message and the count of
// messages addressed to the user that are still unread. Results come back
// newest conversation first. A user with no messages gets an empty slice.
func (m *MessagesStore) ConversationRollup(ctx context.Context, userID bson.ObjectID) ([]*ConversationRow, error) {
	pipeline := mongo.Pipeline{
		// Only messages this user sent or received.
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "sender_id", Value: userID}},
				bson.D{{Key: "receiver_id", Value: userID}},
			}},
		}}},

		// Newest first so $first picks the latest message per group.
		bson.D{{Key: "$sort", Value: bson.D{{Key: "sent_at", Value: -1}}}},

		// Group by the other party: if this user sent the message the
		// peer is the receiver, otherwise the sender. Unread counting
		// only considers messages addressed to this user.
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "$cond", Value: bson.A{
					bson.D{{Key: "$eq", Value: bson.A{"$sender_id", userID}}},
					"$receiver_id",
					"$sender_id",
				}},
			}},
			{Key: "last_message", Value: bson.D{{Key: "$first", Value: "$body"}}},
			{Key: "last_message_at", Value: bson.D{{Key: "$first", Value: "$sent_at"}}},
			{Key: "unread_count", Value: bson.D{{Key: "$sum", Value: bson.D{
				{Key: "$cond", Value: bson.A{
					bson.D{{Key: "$and", Value: bson.A{
						bson.D{{Key: "$eq", Value: bson.A{"$receiver_id", userID}}},
						bson.D{{Key: "$eq", Value: bson.A{"$read", false}}},
					}}},
					1,
					0,
				}},
			}}}},
		}}},

		// Most recently active conversation first.
		bson.D{{Key: "$sort", Value: bson.D{{Key: "last_message_at", Value: -1}}}},
	}

	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	rows := []*ConversationRow{}
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
