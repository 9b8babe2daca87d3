package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ekonda/kutana/internal/backend"
	"github.com/ekonda/kutana/internal/update"
)

// messageAttachmentKinds are the message fields that map to attachments, in
// scan order.
var messageAttachmentKinds = []string{
	"audio", "voice", "photo", "video", "document", "sticker",
	"animation", "video_note", "contact", "location", "venue",
	"poll", "invoice",
}

// AcquireUpdates performs one getUpdates long poll pass. Transient network
// and decode failures are swallowed so the engine retries on the next pass;
// API-level failures pause briefly to avoid a tight error loop.
func (t *Telegram) AcquireUpdates(ctx context.Context, submit backend.SubmitFunc) error {
	res, err := t.request(ctx, "getUpdates", map[string]any{
		"timeout": 25,
		"offset":  t.offset,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			slog.Error("Failed to get Telegram updates", "err", reqErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			return nil
		}

		slog.Debug("Transient error getting Telegram updates", "err", err)
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(res, &raws); err != nil {
		slog.Debug("Malformed getUpdates result", "err", err)
		return nil
	}

	for _, raw := range raws {
		var head struct {
			UpdateID int64 `json:"update_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			slog.Debug("Malformed update, skipping", "err", err)
			continue
		}

		if err := submit(ctx, t.makeUpdate(raw)); err != nil {
			return err
		}
		t.offset = head.UpdateID + 1
	}

	return nil
}

func (t *Telegram) makeUpdate(raw json.RawMessage) *update.Update {
	var env struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Message == nil {
		return update.New(update.TypeEvent, raw, nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Message, &fields); err != nil {
		return update.New(update.TypeEvent, raw, nil)
	}

	var msg struct {
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
		Date     int64    `json:"date"`
		Text     string   `json:"text"`
		Entities []entity `json:"entities"`
	}
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return update.New(update.TypeEvent, raw, nil)
	}

	var attachments []update.Attachment
	for _, kind := range messageAttachmentKinds {
		if rawAtt, ok := fields[kind]; ok {
			attachments = append(attachments, t.makeAttachment(rawAtt, kind))
		}
	}

	var (
		text         string
		receiverType update.ReceiverType
		meta         map[string]any
	)
	if msg.Chat.Type == "private" {
		receiverType = update.ReceiverSolo
		text = msg.Text
	} else {
		receiverType = update.ReceiverMulti
		text, meta = t.extractText(msg.Text, msg.Entities)
	}

	u := update.New(update.TypeMessage, raw, &update.Message{
		Text:         text,
		Attachments:  attachments,
		SenderID:     msg.From.ID,
		ReceiverID:   msg.Chat.ID,
		ReceiverType: receiverType,
		Date:         time.Unix(msg.Date, 0),
	})
	for k, v := range meta {
		u.Meta[k] = v
	}
	return u
}

type entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// extractText strips the bot mention suffix from commands in group chats and
// reports whether the bot was mentioned.
func (t *Telegram) extractText(text string, entities []entity) (string, map[string]any) {
	if len(entities) == 0 {
		return text, nil
	}

	runes := []rune(text)
	sorted := make([]entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	meta := map[string]any{}
	var b strings.Builder
	last := 0
	for _, e := range sorted {
		if e.Type != "bot_command" {
			continue
		}
		end := min(e.Offset+e.Length, len(runes))
		if end <= last {
			continue
		}

		chunk := string(runes[last:end])
		suffix := "@" + t.username
		if t.username != "" && strings.HasSuffix(chunk, suffix) {
			b.WriteString(strings.TrimSuffix(chunk, suffix))
			meta["bot_mentioned"] = true
		} else {
			b.WriteString(chunk)
		}
		last = end
	}
	b.WriteString(string(runes[last:]))

	return b.String(), meta
}

func (t *Telegram) makeAttachment(raw json.RawMessage, kind string) update.Attachment {
	switch kind {
	case "photo":
		// Photos come as size variants; keep the largest.
		var sizes []struct {
			FileID string `json:"file_id"`
			Width  int    `json:"width"`
		}
		if err := json.Unmarshal(raw, &sizes); err != nil || len(sizes) == 0 {
			return update.ExistingAttachment("", kind, "", "", nil, raw)
		}
		best := sizes[0]
		for _, s := range sizes[1:] {
			if s.Width >= best.Width {
				best = s
			}
		}
		return update.ExistingAttachment(best.FileID, "image", "", best.FileID, t.makeGetter(best.FileID), raw)

	case "audio":
		var a struct {
			FileID    string `json:"file_id"`
			Performer string `json:"performer"`
			Title     string `json:"title"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return update.ExistingAttachment("", kind, "", "", nil, raw)
		}
		title := a.Performer + " - " + a.Title
		return update.ExistingAttachment(a.FileID, "audio", title, a.FileID, t.makeGetter(a.FileID), raw)

	case "document":
		var d struct {
			FileID   string `json:"file_id"`
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return update.ExistingAttachment("", kind, "", "", nil, raw)
		}
		return update.ExistingAttachment(d.FileID, "doc", "", d.FileName, t.makeGetter(d.FileID), raw)

	case "sticker", "voice", "video":
		var f struct {
			FileID string `json:"file_id"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return update.ExistingAttachment("", kind, "", "", nil, raw)
		}
		return update.ExistingAttachment(f.FileID, kind, "", f.FileID, t.makeGetter(f.FileID), raw)

	default:
		// Kinds like location or poll have no downloadable content.
		return update.ExistingAttachment("", kind, "", "", nil, raw)
	}
}

func (t *Telegram) makeGetter(fileID string) update.Getter {
	return func(ctx context.Context) ([]byte, error) {
		return t.downloadFile(ctx, fileID)
	}
}
