package eventbus

import (
	"context"
	"log/slog"
)

// SlogHandler tees slog records onto the bus as LogEntry events so consumers
// of the HTTP API can tail daemon logs without file access.
type SlogHandler struct {
	inner slog.Handler
	bus   *Bus
	attrs []slog.Attr
	group string
}

// NewSlogHandler returns a handler that writes to inner and also publishes
// each record to bus.
func NewSlogHandler(inner slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
		"time":  r.Time,
	}
	if h.group != "" {
		entry["group"] = h.group
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.Any()
		return true
	})
	for _, a := range h.attrs {
		entry[a.Key] = a.Value.Any()
	}
	sessionID, _ := entry["session_id"].(string)
	h.bus.PublishSession(LogEntry, sessionID, entry)

	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{
		inner: h.inner.WithAttrs(attrs),
		bus:   h.bus,
		attrs: append(h.attrs, attrs...),
		group: h.group,
	}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &SlogHandler{
		inner: h.inner.WithGroup(name),
		bus:   h.bus,
		attrs: h.attrs,
		group: newGroup,
	}
}
