// Package ping provides a plugin answering the ping command. It keeps a per
// sender counter in storage, which doubles as a liveness check for the
// configured storage backend.
package ping

import (
	"context"
	"errors"
	"fmt"

	"github.com/ekonda/kutana/internal/plugin"
	"github.com/ekonda/kutana/internal/storage"
)

// New returns the ping plugin.
func New() *plugin.Plugin {
	p := plugin.New("ping", plugin.WithDescription("Answers ping with pong and a counter"))

	p.OnCommands([]string{"ping"}, func(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
		count, err := bump(ctx, c)
		if err != nil {
			return plugin.Skipped, fmt.Errorf("failed to bump ping counter: %w", err)
		}

		if _, err := c.Reply(ctx, fmt.Sprintf("pong (%d)", count)); err != nil {
			return plugin.Skipped, err
		}
		return plugin.Processed, nil
	})

	return p
}

// bump increments the sender's ping counter, retrying on concurrent writes.
func bump(ctx context.Context, c *plugin.Context) (int64, error) {
	for {
		doc, err := c.LoadState(ctx, c.SenderKey)
		if err != nil {
			return 0, err
		}

		count, _ := doc.Data["ping_count"].(int64)
		if f, ok := doc.Data["ping_count"].(float64); ok {
			// JSON backed stores hand numbers back as float64.
			count = int64(f)
		}
		count++

		doc.Data["ping_count"] = count
		if _, err := c.SaveState(ctx, c.SenderKey, doc); err != nil {
			if errors.Is(err, storage.ErrVersionMismatch) {
				continue
			}
			return 0, err
		}
		return count, nil
	}
}
