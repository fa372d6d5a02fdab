/**
 * @description
 * This file implements the extension-point bus for donor mutations: an
 * explicit, ordered list of listener callbacks invoked synchronously at the
 * named pre/post points defined in internal/domain. The pre listener fires
 * before the write is attempted; the post listener fires after, including
 * when the write failed, so external integrations always observe both sides
 * of a mutation.
 */
package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/donorops/donor-service/internal/domain"
)

// Listener receives every fired event. Listeners run synchronously in
// registration order; a listener must not block the request for long.
type Listener func(ctx context.Context, ev domain.Event)

// Hooks is the ordered listener registry.
type Hooks struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewHooks creates an empty registry.
func NewHooks() *Hooks {
	return &Hooks{}
}

// Register appends a listener. Registration normally happens during startup
// wiring, before any request is served.
func (h *Hooks) Register(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Fire delivers an event to every registered listener in order.
func (h *Hooks) Fire(ctx context.Context, name string, donorID int64, fields map[string]string, addr *domain.Address) {
	h.mu.RLock()
	listeners := make([]Listener, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.RUnlock()

	ev := domain.Event{
		ID:      uuid.New(),
		Name:    name,
		DonorID: donorID,
		Fields:  fields,
		Address: addr,
		At:      time.Now().UTC(),
	}
	for _, l := range listeners {
		l(ctx, ev)
	}
}
