// Package fanout distributes encoder output to every attached session.
package fanout

import (
	"context"
	"sync"

	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/util"
)

// Sink receives every published unit.
type Sink interface {
	Forward(u media.Unit) error
}

// Hub caches the config unit in force so late joiners can decode.
type Hub struct {
	mu     sync.RWMutex
	config *media.Unit
	sinks  map[string]Sink
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sinks: make(map[string]Sink),
	}
}

// Attach adds a sink and hands it the cached config unit, if any.
func (h *Hub) Attach(id string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sinks[id] = sink
	if h.config != nil {
		if err := sink.Forward(*h.config); err != nil {
			util.GetLogger().Debug("Failed to seed config", "sink", id, "error", err)
		}
	}
	util.GetLogger().Debug("Sink attached", "id", id, "total", len(h.sinks))
}

// Detach removes a sink.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sinks[id]; exists {
		delete(h.sinks, id)
		util.GetLogger().Debug("Sink detached", "id", id, "total", len(h.sinks))
	}
}

// Len returns the number of attached sinks.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Config returns the cached config unit.
func (h *Hub) Config() (media.Unit, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.config == nil {
		return media.Unit{}, false
	}
	return *h.config, true
}

// Publish forwards u to every sink. A failing sink does not affect others.
func (h *Hub) Publish(u media.Unit) {
	if u.IsConfig() {
		h.mu.Lock()
		h.config = &u
		h.mu.Unlock()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sink := range h.sinks {
		if err := sink.Forward(u); err != nil {
			util.GetLogger().Debug("Dropping unit for sink", "sink", id, "kind", u.Kind, "error", err)
		}
	}
}

// Run publishes units until the channel closes or ctx is done.
func (h *Hub) Run(ctx context.Context, units <-chan media.Unit) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-units:
			if !ok {
				return
			}
			h.Publish(u)
		}
	}
}

// Reset drops the cached config, used when a new encoder starts.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = nil
}
