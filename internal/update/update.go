// Package update defines the messenger-agnostic update model shared by
// backends, routers and plugins.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoContent is returned when an attachment has no downloadable content.
var ErrNoContent = errors.New("attachment has no downloadable content")

// Type describes the kind of an update.
type Type int

const (
	// TypeMessage is an update carrying a chat message.
	TypeMessage Type = iota
	// TypeEvent is any other backend update (callback queries, chat events, ...).
	TypeEvent
)

// ReceiverType describes the audience of a message.
type ReceiverType int

const (
	// ReceiverSolo is a private, one-on-one conversation.
	ReceiverSolo ReceiverType = iota
	// ReceiverMulti is a group conversation.
	ReceiverMulti
)

// Update is a single event acquired from a backend.
type Update struct {
	// ID uniquely identifies the update inside the engine.
	ID uuid.UUID

	Type Type

	// Raw is the unmodified backend payload.
	Raw json.RawMessage

	// Message is set only for TypeMessage updates.
	Message *Message

	// Meta holds backend-specific flags, such as "bot_mentioned".
	Meta map[string]any
}

// Message is the parsed content of a TypeMessage update.
type Message struct {
	Text         string
	Attachments  []Attachment
	SenderID     int64
	ReceiverID   int64
	ReceiverType ReceiverType
	Date         time.Time
}

// New returns an update with a fresh ID and an initialized Meta map.
func New(t Type, raw json.RawMessage, msg *Message) *Update {
	return &Update{
		ID:      uuid.New(),
		Type:    t,
		Raw:     raw,
		Message: msg,
		Meta:    map[string]any{},
	}
}

// Getter lazily downloads the content of an attachment.
type Getter func(ctx context.Context) ([]byte, error)

// Attachment is a file attached to a message. It is either already uploaded
// to the backend (ID set, content retrievable through Download) or new
// (Content set, to be uploaded on send).
type Attachment struct {
	ID       string
	Kind     string
	Title    string
	FileName string

	// Raw is the backend payload describing the attachment, if any.
	Raw json.RawMessage

	// Content is the file body for attachments that are not uploaded yet.
	Content []byte

	getter   Getter
	uploaded bool
}

// NewAttachment returns an attachment to be uploaded on send.
func NewAttachment(kind, fileName string, content []byte) Attachment {
	return Attachment{
		Kind:     kind,
		FileName: fileName,
		Content:  content,
	}
}

// ExistingAttachment returns an attachment already present on the backend.
func ExistingAttachment(id, kind, title, fileName string, getter Getter, raw json.RawMessage) Attachment {
	return Attachment{
		ID:       id,
		Kind:     kind,
		Title:    title,
		FileName: fileName,
		Raw:      raw,
		getter:   getter,
		uploaded: true,
	}
}

// Uploaded reports whether the attachment already exists on the backend.
func (a Attachment) Uploaded() bool {
	return a.uploaded
}

// Download retrieves the attachment content from the backend.
func (a Attachment) Download(ctx context.Context) ([]byte, error) {
	if a.getter == nil {
		return nil, ErrNoContent
	}
	return a.getter(ctx)
}
