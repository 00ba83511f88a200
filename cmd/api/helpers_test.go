package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chatrix-app/chatrix-server/internal/auth"
	"github.com/chatrix-app/chatrix-server/internal/data"
	"github.com/chatrix-app/chatrix-server/internal/middleware"
	"github.com/chatrix-app/chatrix-server/internal/normalize"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// fakeSender records events pushed through the hub.
type fakeSender struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (f *fakeSender) Send(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) byName(name string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeUsers is an in-memory UserStore.
type fakeUsers struct {
	mu    sync.Mutex
	byID  map[bson.ObjectID]*data.User
	state map[bson.ObjectID]bool // last SetOnline value per user
}

func newFakeUsers(users ...*data.User) *fakeUsers {
	f := &fakeUsers{byID: map[bson.ObjectID]*data.User{}, state: map[bson.ObjectID]bool{}}
	for _, u := range users {
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeUsers) CreateUser(_ context.Context, name, email, hashedPassword string) (*data.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = normalize.Email(email)
	for _, u := range f.byID {
		if u.Email == email {
			return nil, data.ErrUserExists
		}
	}
	u := &data.User{ID: bson.NewObjectID(), Name: name, Email: email, Password: hashedPassword, CreatedAt: time.Now()}
	f.byID[u.ID] = u
	return u, nil
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (*data.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = normalize.Email(email)
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, data.ErrUserNotFound
}

func (f *fakeUsers) GetUserByID(_ context.Context, id bson.ObjectID) (*data.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, data.ErrUserNotFound
}

func (f *fakeUsers) GetUsersByIDs(_ context.Context, ids []bson.ObjectID) (map[bson.ObjectID]*data.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[bson.ObjectID]*data.User{}
	for _, id := range ids {
		if u, ok := f.byID[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (f *fakeUsers) ListUsersExcept(_ context.Context, id bson.ObjectID) ([]*data.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.User
	for _, u := range f.byID {
		if u.ID != id {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeUsers) SetOnline(_ context.Context, id bson.ObjectID, online bool, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return data.ErrUserNotFound
	}
	u.IsOnline = online
	u.LastSeen = lastSeen
	f.state[id] = online
	return nil
}

func (f *fakeUsers) onlineState(id bson.ObjectID) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.state[id]
	return v, ok
}

// fakeMsgs is an in-memory MessageStore with the same transition rules as
// the Mongo-backed one.
type fakeMsgs struct {
	mu       sync.Mutex
	messages []*data.Message
	saveErr  error
}

func (f *fakeMsgs) SaveMessage(_ context.Context, senderID, receiverID bson.ObjectID, body string, sentAt time.Time) (*data.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	m := &data.Message{
		ID:         bson.NewObjectID(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Body:       body,
		SentAt:     sentAt,
		CreatedAt:  time.Now(),
	}
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeMsgs) MarkDelivered(_ context.Context, id bson.ObjectID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id && !m.Delivered {
			m.Delivered = true
			m.DeliveredAt = at
		}
	}
	return nil
}

func (f *fakeMsgs) MarkRead(_ context.Context, readerID, peerID bson.ObjectID, messageIDs []bson.ObjectID) (int64, []bson.ObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := map[bson.ObjectID]bool{}
	for _, id := range messageIDs {
		wanted[id] = true
	}
	var marked []bson.ObjectID
	for _, m := range f.messages {
		if m.SenderID != peerID || m.ReceiverID != readerID || m.Read {
			continue
		}
		if len(wanted) > 0 && !wanted[m.ID] {
			continue
		}
		m.Read = true
		m.ReadAt = time.Now()
		marked = append(marked, m.ID)
	}
	return int64(len(marked)), marked, nil
}

func (f *fakeMsgs) GetMessageHistory(_ context.Context, userA, userB bson.ObjectID, page, limit int64) ([]*data.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*data.Message
	for _, m := range f.messages {
		if (m.SenderID == userA && m.ReceiverID == userB) || (m.SenderID == userB && m.ReceiverID == userA) {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SentAt.Before(all[j].SentAt) })
	// page 1 is the newest page
	end := int64(len(all)) - (page-1)*limit
	if end <= 0 {
		return nil, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return all[start:end], nil
}

func (f *fakeMsgs) ConversationRollup(_ context.Context, userID bson.ObjectID) ([]*data.ConversationRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := map[bson.ObjectID]*data.ConversationRow{}
	for _, m := range f.messages {
		var peer bson.ObjectID
		switch {
		case m.SenderID == userID:
			peer = m.ReceiverID
		case m.ReceiverID == userID:
			peer = m.SenderID
		default:
			continue
		}
		row, ok := rows[peer]
		if !ok {
			row = &data.ConversationRow{PeerID: peer}
			rows[peer] = row
		}
		if m.SentAt.After(row.LastMessageAt) {
			row.LastMessage = m.Body
			row.LastMessageAt = m.SentAt
		}
		if m.ReceiverID == userID && !m.Read {
			row.UnreadCount++
		}
	}
	var out []*data.ConversationRow
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func testUser(name, email string) *data.User {
	return &data.User{ID: bson.NewObjectID(), Name: name, Email: email, Password: "hash"}
}

func newTestServer(t *testing.T, users UserStore, msgs MessageStore, singleSession bool) *Server {
	t.Helper()
	cfg := Config{
		AllowedOrigin:  "*",
		SendBufferSize: 8,
		TokenTTL:       time.Hour,
	}
	limiter := middleware.NewLimiterStore(1000, 1000, time.Minute)
	t.Cleanup(limiter.Stop)

	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)
	return newServer(cfg, zap.NewNop(), users, msgs, jwtMgr, NewHub(singleSession), limiter)
}
