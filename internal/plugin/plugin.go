// Package plugin implements the handler registration API and the per-update
// context passed to handlers.
package plugin

import (
	"context"
	"regexp"
)

// Result tells the router whether an update was consumed by a handler.
type Result int

const (
	// Skipped lets routing continue with the next handler.
	Skipped Result = iota
	// Processed stops routing for the update.
	Processed
)

// HandlerFunc processes a single update.
type HandlerFunc func(ctx context.Context, c *Context) (Result, error)

// HookFunc runs on engine start or shutdown.
type HookFunc func(ctx context.Context) error

// BeforeFunc runs before an update is routed.
type BeforeFunc func(ctx context.Context, c *Context) error

// AfterFunc runs after an update was routed, with the routing result.
type AfterFunc func(ctx context.Context, c *Context, res Result) error

// ExceptionFunc runs when a handler returns an error or panics.
type ExceptionFunc func(ctx context.Context, c *Context, err error)

// RegistrationKind describes which router a handler is registered with.
type RegistrationKind int

const (
	// KindCommands matches the first token of a message against commands.
	KindCommands RegistrationKind = iota
	// KindMatch matches message text against a regular expression.
	KindMatch
	// KindAttachments matches messages carrying attachments of given kinds.
	KindAttachments
	// KindAnyMessage matches every message.
	KindAnyMessage
	// KindAnyUnprocessed matches messages no other handler processed.
	KindAnyUnprocessed
	// KindEvents matches non-message updates.
	KindEvents
)

// Registration is one handler registration made through a Plugin.
type Registration struct {
	Kind            RegistrationKind
	Commands        []string
	Pattern         *regexp.Regexp
	AttachmentKinds []string
	Priority        int
	Handler         HandlerFunc
}

// Plugin is a named set of handlers and lifecycle hooks.
type Plugin struct {
	name        string
	description string

	registrations []Registration

	onStart     []HookFunc
	onShutdown  []HookFunc
	onBefore    []BeforeFunc
	onAfter     []AfterFunc
	onException []ExceptionFunc
}

type options struct {
	description string
}

// Options represents an optional function to override Plugin default values.
type Options func(*options)

// WithDescription sets a human readable plugin description.
func WithDescription(d string) Options {
	return func(o *options) {
		o.description = d
	}
}

// New returns an empty plugin with the given name.
func New(name string, args ...Options) *Plugin {
	opts := options{}
	for _, opt := range args {
		opt(&opts)
	}

	return &Plugin{name: name, description: opts.description}
}

// Name returns the plugin name.
func (p *Plugin) Name() string { return p.name }

// Description returns the plugin description.
func (p *Plugin) Description() string { return p.description }

// Registrations returns the handler registrations in registration order.
func (p *Plugin) Registrations() []Registration { return p.registrations }

// StartHooks returns the hooks to run on engine start.
func (p *Plugin) StartHooks() []HookFunc { return p.onStart }

// ShutdownHooks returns the hooks to run on engine shutdown.
func (p *Plugin) ShutdownHooks() []HookFunc { return p.onShutdown }

// BeforeHooks returns the hooks to run before routing an update.
func (p *Plugin) BeforeHooks() []BeforeFunc { return p.onBefore }

// AfterHooks returns the hooks to run after routing an update.
func (p *Plugin) AfterHooks() []AfterFunc { return p.onAfter }

// ExceptionHooks returns the hooks to run when a handler fails.
func (p *Plugin) ExceptionHooks() []ExceptionFunc { return p.onException }

type regOptions struct {
	priority int
}

// RegOption is an optional function to override handler registration values.
type RegOption func(*regOptions)

// WithPriority overrides the handler priority. Handlers with a higher
// priority run first; the default is 0.
func WithPriority(priority int) RegOption {
	return func(o *regOptions) {
		o.priority = priority
	}
}

func (p *Plugin) register(r Registration, args []RegOption) {
	opts := regOptions{}
	for _, opt := range args {
		opt(&opts)
	}
	r.Priority = opts.priority
	p.registrations = append(p.registrations, r)
}

// OnCommands registers a handler for messages starting with one of commands.
func (p *Plugin) OnCommands(commands []string, h HandlerFunc, args ...RegOption) {
	p.register(Registration{Kind: KindCommands, Commands: commands, Handler: h}, args)
}

// OnMatch registers a handler for messages whose text matches pattern.
// Submatches are available through Context.Match.
func (p *Plugin) OnMatch(pattern *regexp.Regexp, h HandlerFunc, args ...RegOption) {
	p.register(Registration{Kind: KindMatch, Pattern: pattern, Handler: h}, args)
}

// OnAttachments registers a handler for messages carrying attachments of one
// of the given kinds.
func (p *Plugin) OnAttachments(kinds []string, h HandlerFunc, args ...RegOption) {
	p.register(Registration{Kind: KindAttachments, AttachmentKinds: kinds, Handler: h}, args)
}

// OnAnyMessage registers a handler for every message.
func (p *Plugin) OnAnyMessage(h HandlerFunc, args ...RegOption) {
	p.register(Registration{Kind: KindAnyMessage, Handler: h}, args)
}

// OnAnyUnprocessedMessage registers a handler for messages that no other
// handler processed.
func (p *Plugin) OnAnyUnprocessedMessage(h HandlerFunc, args ...RegOption) {
	p.register(Registration{Kind: KindAnyUnprocessed, Handler: h}, args)
}

// OnUpdates registers a handler for non-message updates.
func (p *Plugin) OnUpdates(h HandlerFunc, args ...RegOption) {
	p.register(Registration{Kind: KindEvents, Handler: h}, args)
}

// OnStart registers a hook running when the engine starts.
func (p *Plugin) OnStart(h HookFunc) { p.onStart = append(p.onStart, h) }

// OnShutdown registers a hook running when the engine shuts down.
func (p *Plugin) OnShutdown(h HookFunc) { p.onShutdown = append(p.onShutdown, h) }

// OnBefore registers a hook running before every update is routed.
func (p *Plugin) OnBefore(h BeforeFunc) { p.onBefore = append(p.onBefore, h) }

// OnAfter registers a hook running after every update was routed.
func (p *Plugin) OnAfter(h AfterFunc) { p.onAfter = append(p.onAfter, h) }

// OnException registers a hook running when a handler fails.
func (p *Plugin) OnException(h ExceptionFunc) { p.onException = append(p.onException, h) }
