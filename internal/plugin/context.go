package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ekonda/kutana/internal/storage"
	"github.com/ekonda/kutana/internal/update"
)

// Sender is the part of a backend a handler context needs to send messages
// and perform raw API requests.
type Sender interface {
	ExecuteSend(ctx context.Context, targetID int64, text string, attachments []update.Attachment, params map[string]any) ([]json.RawMessage, error)
	ExecuteRequest(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}

// Context carries everything a handler needs to process one update.
type Context struct {
	// Update is the update being processed.
	Update *update.Update

	// Backend is the identity of the backend the update came from.
	Backend string

	// ExecutionID uniquely identifies this processing attempt in logs.
	ExecutionID uuid.UUID

	// DefaultTargetID is where Reply sends to.
	DefaultTargetID int64

	// State addressing keys for the sender, the receiver, and the sender
	// within this conversation.
	SenderKey     string
	ReceiverKey   string
	SenderHereKey string

	// Filled by the commands router.
	Prefix  string
	Command string
	Body    string

	// Filled by the match router with the regexp submatches.
	Match []string

	sender Sender
	store  storage.Storage
}

// NewContext builds a context for an update acquired from the named backend.
// For messages, the default target and the state keys are derived from the
// message envelope; backends may override them in PrepareContext.
func NewContext(backend string, sender Sender, store storage.Storage, u *update.Update) *Context {
	c := &Context{
		Update:      u,
		Backend:     backend,
		ExecutionID: uuid.New(),
		sender:      sender,
		store:       store,
	}

	if u.Message != nil {
		m := u.Message
		c.DefaultTargetID = m.ReceiverID
		c.SenderKey = c.KeyFor(m.SenderID, 0)
		c.ReceiverKey = c.KeyFor(0, m.ReceiverID)
		c.SenderHereKey = c.KeyFor(m.SenderID, m.ReceiverID)
	}

	return c
}

// KeyFor builds a storage key scoped to this backend. A zero senderID or
// receiverID is left out of the key.
func (c *Context) KeyFor(senderID, receiverID int64) string {
	parts := []string{c.Backend}
	if senderID != 0 {
		parts = append(parts, "s"+strconv.FormatInt(senderID, 10))
	}
	if receiverID != 0 {
		parts = append(parts, "r"+strconv.FormatInt(receiverID, 10))
	}
	return strings.Join(parts, ":")
}

// Reply sends text and attachments to the default target of the update.
func (c *Context) Reply(ctx context.Context, text string, attachments ...update.Attachment) ([]json.RawMessage, error) {
	return c.sender.ExecuteSend(ctx, c.DefaultTargetID, text, attachments, nil)
}

// SendMessage sends text and attachments to an explicit target.
func (c *Context) SendMessage(ctx context.Context, targetID int64, text string, attachments ...update.Attachment) ([]json.RawMessage, error) {
	return c.sender.ExecuteSend(ctx, targetID, text, attachments, nil)
}

// Request performs a raw API request against the backend.
func (c *Context) Request(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	return c.sender.ExecuteRequest(ctx, method, params)
}

// Storage returns the storage backing the state helpers.
func (c *Context) Storage() storage.Storage {
	return c.store
}

// LoadState returns the document stored under key. A missing document is not
// an error: an empty version 0 document is returned instead, ready to be
// saved.
func (c *Context) LoadState(ctx context.Context, key string) (storage.Document, error) {
	doc, err := c.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Document{Data: map[string]any{}}, nil
	}
	return doc, err
}

// SaveState stores doc under key, enforcing the optimistic version check.
func (c *Context) SaveState(ctx context.Context, key string, doc storage.Document) (storage.Document, error) {
	return c.store.Put(ctx, key, doc)
}

// ClearState removes the document stored under key.
func (c *Context) ClearState(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}
