// Package router dispatches updates to plugin handlers through
// priority-ordered routers.
package router

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/ekonda/kutana/internal/plugin"
	"github.com/ekonda/kutana/internal/update"
)

// Router priorities. Routers are walked in descending order; the commands
// router wins over attachment and catch-all handlers.
const (
	priorityCommands    = 700
	priorityAttachments = 300
	priorityEvents      = 300
	priorityList        = 0
	priorityUnprocessed = -100
)

// DefaultPrefixes are the command prefixes used when none are configured.
var DefaultPrefixes = []string{"/", "."}

// Router routes one update through its handlers until one processes it.
type Router interface {
	Priority() int
	Handle(ctx context.Context, c *plugin.Context) (plugin.Result, error)
}

// entry is one registered handler with its ordering.
type entry struct {
	priority int
	seq      int
	handler  plugin.HandlerFunc

	// pattern is set for match handlers in the list router.
	pattern *regexp.Regexp
	// kinds is set for attachment handlers.
	kinds map[string]struct{}
}

// byPriority orders entries by descending priority, then registration order.
func sortEntries(entries []entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})
}

// Chain is the full routing pipeline built from a set of plugins.
type Chain struct {
	routers     []Router
	unprocessed []Router
}

// Build assembles the routing chain for plugins. Handlers keep their
// registration order within equal priorities. Empty prefixes fall back to
// DefaultPrefixes.
func Build(plugins []*plugin.Plugin, prefixes []string) *Chain {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}

	commands := &commandsRouter{prefixes: prefixes, handlers: map[string][]entry{}}
	attachments := &attachmentsRouter{}
	list := &listRouter{priority: priorityList}
	unprocessed := &listRouter{priority: priorityUnprocessed}
	events := &eventsRouter{}

	seq := 0
	for _, p := range plugins {
		for _, r := range p.Registrations() {
			e := entry{priority: r.Priority, seq: seq, handler: r.Handler}
			seq++

			switch r.Kind {
			case plugin.KindCommands:
				for _, cmd := range r.Commands {
					cmd = strings.ToLower(cmd)
					commands.handlers[cmd] = append(commands.handlers[cmd], e)
				}
			case plugin.KindMatch:
				e.pattern = r.Pattern
				list.entries = append(list.entries, e)
			case plugin.KindAttachments:
				e.kinds = map[string]struct{}{}
				for _, k := range r.AttachmentKinds {
					e.kinds[k] = struct{}{}
				}
				attachments.entries = append(attachments.entries, e)
			case plugin.KindAnyMessage:
				list.entries = append(list.entries, e)
			case plugin.KindAnyUnprocessed:
				unprocessed.entries = append(unprocessed.entries, e)
			case plugin.KindEvents:
				events.entries = append(events.entries, e)
			}
		}
	}

	for _, cmd := range commands.handlers {
		sortEntries(cmd)
	}
	sortEntries(attachments.entries)
	sortEntries(list.entries)
	sortEntries(unprocessed.entries)
	sortEntries(events.entries)

	c := &Chain{}
	if len(commands.handlers) > 0 {
		c.routers = append(c.routers, commands)
	}
	if len(attachments.entries) > 0 {
		c.routers = append(c.routers, attachments)
	}
	if len(events.entries) > 0 {
		c.routers = append(c.routers, events)
	}
	if len(list.entries) > 0 {
		c.routers = append(c.routers, list)
	}
	if len(unprocessed.entries) > 0 {
		c.unprocessed = append(c.unprocessed, unprocessed)
	}

	sort.SliceStable(c.routers, func(i, j int) bool {
		return c.routers[i].Priority() > c.routers[j].Priority()
	})

	return c
}

// Dispatch routes the update through every router in priority order. If no
// router processed a message, the unprocessed routers get a final chance.
func (c *Chain) Dispatch(ctx context.Context, pc *plugin.Context) (plugin.Result, error) {
	for _, r := range c.routers {
		res, err := r.Handle(ctx, pc)
		if err != nil || res == plugin.Processed {
			return res, err
		}
	}

	if pc.Update.Type == update.TypeMessage {
		for _, r := range c.unprocessed {
			res, err := r.Handle(ctx, pc)
			if err != nil || res == plugin.Processed {
				return res, err
			}
		}
	}

	return plugin.Skipped, nil
}

// commandsRouter matches the first token of a message against registered
// commands. A command requires one of the configured prefixes; in private
// conversations the bare command also matches, and in group conversations an
// explicit bot mention substitutes for the prefix.
type commandsRouter struct {
	prefixes []string
	handlers map[string][]entry
}

func (r *commandsRouter) Priority() int { return priorityCommands }

func (r *commandsRouter) Handle(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
	m := c.Update.Message
	if m == nil {
		return plugin.Skipped, nil
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		return plugin.Skipped, nil
	}

	prefix := ""
	for _, p := range r.prefixes {
		if strings.HasPrefix(text, p) {
			prefix = p
			text = text[len(p):]
			break
		}
	}
	if prefix == "" {
		mentioned, _ := c.Update.Meta["bot_mentioned"].(bool)
		if m.ReceiverType == update.ReceiverMulti && !mentioned {
			return plugin.Skipped, nil
		}
	}

	command, body, _ := strings.Cut(text, " ")
	command = strings.ToLower(command)

	entries, ok := r.handlers[command]
	if !ok {
		return plugin.Skipped, nil
	}

	c.Prefix = prefix
	c.Command = command
	c.Body = strings.TrimSpace(body)

	for _, e := range entries {
		res, err := e.handler(ctx, c)
		if err != nil || res == plugin.Processed {
			return res, err
		}
	}
	return plugin.Skipped, nil
}

// attachmentsRouter dispatches on attachment kinds.
type attachmentsRouter struct {
	entries []entry
}

func (r *attachmentsRouter) Priority() int { return priorityAttachments }

func (r *attachmentsRouter) Handle(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
	m := c.Update.Message
	if m == nil || len(m.Attachments) == 0 {
		return plugin.Skipped, nil
	}

	for _, e := range r.entries {
		eligible := false
		for _, att := range m.Attachments {
			if _, ok := e.kinds[att.Kind]; ok {
				eligible = true
				break
			}
		}
		if !eligible {
			continue
		}

		res, err := e.handler(ctx, c)
		if err != nil || res == plugin.Processed {
			return res, err
		}
	}
	return plugin.Skipped, nil
}

// listRouter runs any-message and regexp handlers.
type listRouter struct {
	priority int
	entries  []entry
}

func (r *listRouter) Priority() int { return r.priority }

func (r *listRouter) Handle(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
	m := c.Update.Message
	if m == nil {
		return plugin.Skipped, nil
	}

	for _, e := range r.entries {
		if e.pattern != nil {
			match := e.pattern.FindStringSubmatch(m.Text)
			if match == nil {
				continue
			}
			c.Match = match
		}

		res, err := e.handler(ctx, c)
		if err != nil || res == plugin.Processed {
			return res, err
		}
	}
	return plugin.Skipped, nil
}

// eventsRouter runs handlers for non-message updates.
type eventsRouter struct {
	entries []entry
}

func (r *eventsRouter) Priority() int { return priorityEvents }

func (r *eventsRouter) Handle(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
	if c.Update.Type != update.TypeEvent {
		return plugin.Skipped, nil
	}

	for _, e := range r.entries {
		res, err := e.handler(ctx, c)
		if err != nil || res == plugin.Processed {
			return res, err
		}
	}
	return plugin.Skipped, nil
}
