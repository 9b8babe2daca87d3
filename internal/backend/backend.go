// Package backend defines the contract messenger backends implement.
package backend

import (
	"context"
	"encoding/json"

	"github.com/ekonda/kutana/internal/plugin"
	"github.com/ekonda/kutana/internal/update"
)

// SubmitFunc hands an acquired update over to the engine. It blocks while the
// processing queue is full and returns the context error on shutdown.
type SubmitFunc func(ctx context.Context, u *update.Update) error

// Backend is a connection to one messenger.
//
// Implementations are driven by the engine: OnStart is called once before the
// first acquisition pass, AcquireUpdates is called in a loop, and OnShutdown
// is called once after the last pass.
type Backend interface {
	// Identity returns a stable lowercase name, such as "telegram".
	Identity() string

	OnStart(ctx context.Context) error
	OnShutdown(ctx context.Context) error

	// PrepareContext lets the backend enrich the handler context with
	// backend-specific targeting and state keys.
	PrepareContext(c *plugin.Context)

	// AcquireUpdates performs one acquisition pass, submitting every update
	// it obtained. Transient errors should be handled internally; a returned
	// error stops the poller.
	AcquireUpdates(ctx context.Context, submit SubmitFunc) error

	// ExecuteSend sends a message with attachments to targetID. Extra params
	// are forwarded to the backend API.
	ExecuteSend(ctx context.Context, targetID int64, text string, attachments []update.Attachment, params map[string]any) ([]json.RawMessage, error)

	// ExecuteRequest performs a raw backend API call.
	ExecuteRequest(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}
