// Package telegram implements the Telegram backend over long polling.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ekonda/kutana/internal/plugin"
	"github.com/ekonda/kutana/internal/update"
)

const (
	defaultAPIURL            = "https://api.telegram.org"
	defaultMessagesPerSecond = 29
)

// ErrNoToken is returned when a backend is created without a bot token.
var ErrNoToken = errors.New("no token specified")

// supportedUploadKinds are the attachment kinds that can be uploaded through
// the sendAudio/sendDocument/... family of methods.
var supportedUploadKinds = map[string]struct{}{
	"audio":    {},
	"document": {},
	"photo":    {},
	"sticker":  {},
	"video":    {},
	"voice":    {},
}

// kindAliases maps engine attachment kinds to the Telegram method names.
var kindAliases = map[string]string{
	"doc":   "document",
	"image": "photo",
}

// Telegram is a backend acquiring updates through getUpdates long polling.
type Telegram struct {
	token   string
	apiBase string

	httpClient *http.Client
	limiter    *rate.Limiter

	// username is set once by OnStart before polling begins.
	username string

	offset int64
}

type options struct {
	apiURL            string
	httpClient        *http.Client
	messagesPerSecond float64
}

// Options represents an optional function to override Telegram default values.
type Options func(*options)

// WithAPIURL overrides the Telegram API base URL. Used in tests.
func WithAPIURL(u string) Options {
	return func(o *options) {
		o.apiURL = u
	}
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Options {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithMessagesPerSecond overrides the outgoing message rate limit.
func WithMessagesPerSecond(mps float64) Options {
	return func(o *options) {
		o.messagesPerSecond = mps
	}
}

// New returns a Telegram backend for the given bot token.
func New(token string, args ...Options) (*Telegram, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	opts := options{
		apiURL:            defaultAPIURL,
		messagesPerSecond: defaultMessagesPerSecond,
		// The client timeout must exceed the 25s long poll.
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Telegram{
		token:      token,
		apiBase:    strings.TrimRight(opts.apiURL, "/"),
		httpClient: opts.httpClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.messagesPerSecond), 1),
	}, nil
}

// Identity returns "telegram".
func (t *Telegram) Identity() string {
	return "telegram"
}

// OnStart resolves the bot identity through getMe.
func (t *Telegram) OnStart(ctx context.Context) error {
	res, err := t.request(ctx, "getMe", nil)
	if err != nil {
		return fmt.Errorf("failed to get bot identity: %w", err)
	}

	var me struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Username  string `json:"username"`
	}
	if err := json.Unmarshal(res, &me); err != nil {
		return fmt.Errorf("failed to decode getMe result: %v", err)
	}

	name := strings.TrimSpace(me.FirstName + " " + me.LastName)
	if name == "" {
		name = "(unknown)"
	}
	t.username = me.Username

	slog.Info("Logged in to Telegram", "name", name, "url", "https://t.me/"+me.Username)
	return nil
}

// OnShutdown releases idle connections held by the HTTP client.
func (t *Telegram) OnShutdown(context.Context) error {
	t.httpClient.CloseIdleConnections()
	return nil
}

// PrepareContext points callback query events at the originating chat: the
// sender in private conversations, the chat everywhere else.
func (t *Telegram) PrepareContext(c *plugin.Context) {
	if c.Update.Type != update.TypeEvent {
		return
	}

	var env struct {
		CallbackQuery *struct {
			From struct {
				ID int64 `json:"id"`
			} `json:"from"`
			Message struct {
				Chat struct {
					ID   int64  `json:"id"`
					Type string `json:"type"`
				} `json:"chat"`
			} `json:"message"`
		} `json:"callback_query"`
	}
	if err := json.Unmarshal(c.Update.Raw, &env); err != nil || env.CallbackQuery == nil {
		return
	}

	cq := env.CallbackQuery
	if cq.Message.Chat.Type == "private" {
		c.DefaultTargetID = cq.From.ID
	} else {
		c.DefaultTargetID = cq.Message.Chat.ID
	}
	c.SenderKey = c.KeyFor(cq.From.ID, 0)
	c.ReceiverKey = c.KeyFor(0, cq.Message.Chat.ID)
	c.SenderHereKey = c.KeyFor(cq.From.ID, cq.Message.Chat.ID)
}

// ExecuteSend sends text first, then every attachment, rate limited.
func (t *Telegram) ExecuteSend(ctx context.Context, targetID int64, text string, attachments []update.Attachment, params map[string]any) ([]json.RawMessage, error) {
	var results []json.RawMessage

	chatID := strconv.FormatInt(targetID, 10)

	if text != "" {
		if err := t.limiter.Wait(ctx); err != nil {
			return results, err
		}

		p := map[string]any{"chat_id": chatID, "text": text}
		for k, v := range params {
			p[k] = v
		}
		res, err := t.request(ctx, "sendMessage", p)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	for _, att := range attachments {
		kind := att.Kind
		if alias, ok := kindAliases[kind]; ok {
			kind = alias
		}
		if !att.Uploaded() {
			if _, ok := supportedUploadKinds[kind]; !ok {
				return results, fmt.Errorf("cannot upload attachment of kind %q", kind)
			}
		} else if kind == "" {
			return results, fmt.Errorf("cannot send attachment without a kind")
		}
		method := "send" + strings.ToUpper(kind[:1]) + kind[1:]

		if err := t.limiter.Wait(ctx); err != nil {
			return results, err
		}

		if att.Uploaded() {
			p := map[string]any{
				"chat_id": chatID,
				kind:      att.ID,
			}
			if att.Title != "" {
				p["caption"] = att.Title
			}
			res, err := t.request(ctx, method, p)
			if err != nil {
				return results, err
			}
			results = append(results, res)
			continue
		}

		fields := map[string]string{"chat_id": chatID}
		if att.Title != "" {
			fields["caption"] = att.Title
		}
		res, err := t.requestUpload(ctx, method, fields, kind, att.FileName, att.Content)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	return results, nil
}

// ExecuteRequest performs a raw Telegram API call.
func (t *Telegram) ExecuteRequest(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	return t.request(ctx, method, params)
}
