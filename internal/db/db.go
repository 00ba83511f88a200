// Package db manages the MongoDB connection and collections.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Client wraps mongo.Client and exposes the chat collections.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB, verifies the connection with a ping, and
// returns a Client bound to the chatrix database.
func New(ctx context.Context, mongoURI string) (*Client, error) {
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database("chatrix"),
	}, nil
}

// UsersCollection returns the users collection.
func (c *Client) UsersCollection() *mongo.Collection {
	return c.db.Collection("users")
}

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// userIndexModels declares the users collection indexes. Keys use bson.D:
// the driver rejects multi-key maps for index keys because map iteration
// order would scramble compound indexes.
func userIndexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			// Unique email prevents duplicate registration and backs the
			// email lookups in the users store.
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
}

// messageIndexModels declares the messages collection indexes.
func messageIndexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			// Conversation history between two users, newest first.
			Keys: bson.D{
				{Key: "sender_id", Value: 1},
				{Key: "receiver_id", Value: 1},
				{Key: "sent_at", Value: -1},
			},
		},
		{
			// Unread filters for mark-read and the rollup's unread count.
			Keys: bson.D{
				{Key: "receiver_id", Value: 1},
				{Key: "read", Value: 1},
			},
		},
		{
			// Time ordering for the conversation rollup's sort stages.
			Keys: bson.D{{Key: "sent_at", Value: -1}},
		},
	}
}

// CreateIndexes creates the indexes the stores rely on. Safe to call on
// every startup; existing indexes are left alone.
func (c *Client) CreateIndexes(ctx context.Context) error {
	if _, err := c.UsersCollection().Indexes().CreateMany(ctx, userIndexModels()); err != nil {
		return fmt.Errorf("failed to create users indexes: %w", err)
	}
	if _, err := c.MessagesCollection().Indexes().CreateMany(ctx, messageIndexModels()); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}
