package plugin_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekonda/kutana/internal/plugin"
	"github.com/ekonda/kutana/internal/storage"
	"github.com/ekonda/kutana/internal/storage/memory"
	"github.com/ekonda/kutana/internal/update"
)

type sendCall struct {
	targetID    int64
	text        string
	attachments []update.Attachment
	params      map[string]any
}

type mockSender struct {
	sends    []sendCall
	requests []string
}

func (m *mockSender) ExecuteSend(ctx context.Context, targetID int64, text string, attachments []update.Attachment, params map[string]any) ([]json.RawMessage, error) {
	m.sends = append(m.sends, sendCall{targetID: targetID, text: text, attachments: attachments, params: params})
	return []json.RawMessage{json.RawMessage(`{}`)}, nil
}

func (m *mockSender) ExecuteRequest(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	m.requests = append(m.requests, method)
	return json.RawMessage(`{}`), nil
}

func newMessageUpdate(senderID, receiverID int64) *update.Update {
	return update.New(update.TypeMessage, nil, &update.Message{
		Text:       "hello",
		SenderID:   senderID,
		ReceiverID: receiverID,
	})
}

func TestNewContext(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		upd *update.Update

		wantTargetID      int64
		wantSenderKey     string
		wantReceiverKey   string
		wantSenderHereKey string
	}{
		"Message update derives keys from the envelope": {
			upd:               newMessageUpdate(10, 20),
			wantTargetID:      20,
			wantSenderKey:     "telegram:s10",
			wantReceiverKey:   "telegram:r20",
			wantSenderHereKey: "telegram:s10:r20",
		},
		"Event update leaves keys empty": {
			upd: update.New(update.TypeEvent, nil, nil),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c := plugin.NewContext("telegram", &mockSender{}, memory.New(), tc.upd)

			assert.Equal(t, "telegram", c.Backend)
			assert.Equal(t, tc.upd, c.Update)
			assert.NotEqual(t, [16]byte{}, [16]byte(c.ExecutionID))
			assert.Equal(t, tc.wantTargetID, c.DefaultTargetID)
			assert.Equal(t, tc.wantSenderKey, c.SenderKey)
			assert.Equal(t, tc.wantReceiverKey, c.ReceiverKey)
			assert.Equal(t, tc.wantSenderHereKey, c.SenderHereKey)
		})
	}
}

func TestKeyFor(t *testing.T) {
	t.Parallel()

	c := plugin.NewContext("telegram", &mockSender{}, memory.New(), update.New(update.TypeEvent, nil, nil))

	assert.Equal(t, "telegram:s1", c.KeyFor(1, 0))
	assert.Equal(t, "telegram:r2", c.KeyFor(0, 2))
	assert.Equal(t, "telegram:s1:r2", c.KeyFor(1, 2))
	assert.Equal(t, "telegram", c.KeyFor(0, 0))
}

func TestReplyAndSend(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	c := plugin.NewContext("telegram", sender, memory.New(), newMessageUpdate(10, 20))

	_, err := c.Reply(context.Background(), "hi")
	require.NoError(t, err)
	_, err = c.SendMessage(context.Background(), 30, "there")
	require.NoError(t, err)
	_, err = c.Request(context.Background(), "getMe", nil)
	require.NoError(t, err)

	require.Len(t, sender.sends, 2)
	assert.Equal(t, int64(20), sender.sends[0].targetID, "Reply should target the update receiver")
	assert.Equal(t, "hi", sender.sends[0].text)
	assert.Equal(t, int64(30), sender.sends[1].targetID)
	assert.Equal(t, []string{"getMe"}, sender.requests)
}

func TestState(t *testing.T) {
	t.Parallel()

	store := memory.New()
	c := plugin.NewContext("telegram", &mockSender{}, store, newMessageUpdate(10, 20))
	ctx := context.Background()

	// Missing state loads as an empty version 0 document.
	doc, err := c.LoadState(ctx, c.SenderKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Version)
	require.NotNil(t, doc.Data)

	doc.Data["seen"] = true
	saved, err := c.SaveState(ctx, c.SenderKey, doc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	// A stale save is rejected.
	_, err = c.SaveState(ctx, c.SenderKey, doc)
	assert.ErrorIs(t, err, storage.ErrVersionMismatch)

	loaded, err := c.LoadState(ctx, c.SenderKey)
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)

	require.NoError(t, c.ClearState(ctx, c.SenderKey))
	doc, err = c.LoadState(ctx, c.SenderKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Version)

	assert.Same(t, storage.Storage(store), c.Storage())
}
