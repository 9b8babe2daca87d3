// Package mongodb stores plugin state documents in a MongoDB collection.
//
// Each document is one collection entry keyed by _id. The version check and
// the write happen in a single UpdateOne, so concurrent writers race on the
// server rather than on the client.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ekonda/kutana/internal/storage"
)

const (
	defaultDatabase   = "kutana"
	defaultCollection = "documents"
)

// Config holds the configuration for connecting to MongoDB.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// collection is the part of a mongo collection the store needs.
// It allows tests to substitute a fake without a running server.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*mongooptions.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...*mongooptions.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*mongooptions.DeleteOptions) (*mongo.DeleteResult, error)
}

// Storage is a MongoDB backed document store.
type Storage struct {
	client *mongo.Client
	coll   collection
}

type record struct {
	Key     string         `bson:"_id"`
	Version int64          `bson:"version"`
	Data    map[string]any `bson:"data"`
}

// New connects to MongoDB and returns a document store over the configured
// collection. The connection is validated with a ping.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}

	client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to ping mongodb: %v", err)
	}

	slog.Info("Successfully pinged MongoDB", "database", cfg.Database, "collection", cfg.Collection)
	return &Storage{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

// Get returns the document stored under key.
func (s *Storage) Get(ctx context.Context, key string) (storage.Document, error) {
	var rec record
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Document{}, fmt.Errorf("failed to get document: %v", err)
	}
	return storage.Document{Version: rec.Version, Data: rec.Data}, nil
}

// Put stores doc under key if doc.Version matches the stored version.
func (s *Storage) Put(ctx context.Context, key string, doc storage.Document) (storage.Document, error) {
	if doc.Version == 0 {
		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": key},
			bson.M{"$setOnInsert": bson.M{"version": int64(1), "data": doc.Data}},
			mongooptions.Update().SetUpsert(true))
		if mongo.IsDuplicateKeyError(err) {
			return storage.Document{}, storage.ErrVersionMismatch
		}
		if err != nil {
			return storage.Document{}, fmt.Errorf("failed to create document: %v", err)
		}
		if res.UpsertedCount == 0 {
			// The document already existed, so version 0 is stale.
			return storage.Document{}, storage.ErrVersionMismatch
		}
	} else {
		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": key, "version": doc.Version},
			bson.M{"$set": bson.M{"data": doc.Data}, "$inc": bson.M{"version": int64(1)}})
		if err != nil {
			return storage.Document{}, fmt.Errorf("failed to update document: %v", err)
		}
		if res.MatchedCount == 0 {
			return storage.Document{}, storage.ErrVersionMismatch
		}
	}

	doc.Version++
	return doc, nil
}

// Delete removes the document stored under key. Missing keys are not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to delete document: %v", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close() error {
	if s.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %v", err)
	}
	s.client = nil
	return nil
}
