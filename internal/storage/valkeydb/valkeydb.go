// Package valkeydb stores plugin state documents in a Valkey (or Redis
// compatible) server.
//
// Each document is one JSON value with its version embedded. Put runs a Lua
// script on the server so the version check and the write are atomic.
package valkeydb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/valkey-io/valkey-go"

	"github.com/ekonda/kutana/internal/storage"
)

// Config holds the configuration for connecting to a Valkey server.
type Config struct {
	Address  string
	Password string
	DB       int
}

// putScript checks the stored version and swaps in the new document in one
// server-side step. ARGV[1] is the expected version, ARGV[2] the new value.
// Returns 1 on success, 0 on a version mismatch.
const putScript = `
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '0' then
	if cur then return 0 end
	redis.call('SET', KEYS[1], ARGV[2])
	return 1
end
if not cur then return 0 end
local doc = cjson.decode(cur)
if tostring(doc.version) ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`

type record struct {
	Version int64          `json:"version"`
	Data    map[string]any `json:"data"`
}

// Storage is a Valkey backed document store.
type Storage struct {
	client valkey.Client
	put    *valkey.Lua
}

// New connects to the configured Valkey server and returns a document store.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to valkey: %w", err)
	}

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to ping valkey: %v", err)
	}

	return &Storage{
		client: client,
		put:    valkey.NewLuaScript(putScript),
	}, nil
}

// Get returns the document stored under key.
func (s *Storage) Get(ctx context.Context, key string) (storage.Document, error) {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return storage.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Document{}, fmt.Errorf("failed to get document: %v", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return storage.Document{}, fmt.Errorf("failed to decode document: %v", err)
	}
	return storage.Document{Version: rec.Version, Data: rec.Data}, nil
}

// Put stores doc under key if doc.Version matches the stored version.
func (s *Storage) Put(ctx context.Context, key string, doc storage.Document) (storage.Document, error) {
	value, err := json.Marshal(record{Version: doc.Version + 1, Data: doc.Data})
	if err != nil {
		return storage.Document{}, fmt.Errorf("failed to encode document: %v", err)
	}

	ok, err := s.put.Exec(ctx, s.client,
		[]string{key},
		[]string{strconv.FormatInt(doc.Version, 10), string(value)},
	).AsInt64()
	if err != nil {
		return storage.Document{}, fmt.Errorf("failed to put document: %v", err)
	}
	if ok == 0 {
		return storage.Document{}, storage.ErrVersionMismatch
	}

	doc.Version++
	return doc, nil
}

// Delete removes the document stored under key. Missing keys are not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete document: %v", err)
	}
	return nil
}

// Close releases the client and its connections.
func (s *Storage) Close() error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}
