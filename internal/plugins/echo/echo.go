// Package echo provides a plugin answering the echo command with the body of
// the message and its attachments.
package echo

import (
	"context"

	"github.com/ekonda/kutana/internal/plugin"
)

// New returns the echo plugin.
func New() *plugin.Plugin {
	p := plugin.New("echo", plugin.WithDescription("Repeats the message back"))

	p.OnCommands([]string{"echo"}, func(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
		text := c.Body
		if text == "" && len(c.Update.Message.Attachments) == 0 {
			text = "nothing to echo"
		}

		if _, err := c.Reply(ctx, text, c.Update.Message.Attachments...); err != nil {
			return plugin.Skipped, err
		}
		return plugin.Processed, nil
	})

	return p
}
