package plugins

import (
	"context"

	"github.com/rs/zerolog"
)

// Context is the read-only host facade a plugin receives while starting.
type Context interface {
	PluginID() string
	Logger() zerolog.Logger
	// Config returns the plugin's own configuration section.
	Config() map[string]any
	// Providers lists what is currently registered for a kind, across all plugins.
	Providers(kind ProviderKind) []Provider
	// Emit publishes a plugin event on the host event bus.
	Emit(ctx context.Context, eventType string, data map[string]any)
}

// ContextFactory builds the facade for one container.
type ContextFactory func(c *Container) Context

// EventSink receives events plugins emit through their Context.
type EventSink interface {
	Emit(ctx context.Context, source, eventType string, data map[string]any)
}

type hostContext struct {
	id       string
	logger   zerolog.Logger
	config   map[string]any
	collabs  *Collaborators
	sink     EventSink
	stemName string
}

// NewContextFactory returns a factory for facades backed by the given
// collaborators. Settings are keyed by stem; sink may be nil.
func NewContextFactory(logger zerolog.Logger, collabs *Collaborators, settings map[string]map[string]any, sink EventSink) ContextFactory {
	return func(c *Container) Context {
		return &hostContext{
			id:       c.ID().String(),
			logger:   logger.With().Str("plugin", c.Stem()).Logger(),
			config:   settings[c.Stem()],
			collabs:  collabs,
			sink:     sink,
			stemName: c.Stem(),
		}
	}
}

func (h *hostContext) PluginID() string       { return h.id }
func (h *hostContext) Logger() zerolog.Logger { return h.logger }

func (h *hostContext) Config() map[string]any {
	out := make(map[string]any, len(h.config))
	for k, v := range h.config {
		out[k] = v
	}
	return out
}

func (h *hostContext) Providers(kind ProviderKind) []Provider {
	if h.collabs == nil {
		return nil
	}
	l, ok := h.collabs.Lookup(kind)
	if !ok {
		return nil
	}
	return l.List()
}

func (h *hostContext) Emit(ctx context.Context, eventType string, data map[string]any) {
	if h.sink == nil {
		return
	}
	h.sink.Emit(ctx, h.stemName, eventType, data)
}
