// Package dispatch is the worker-side event pipeline: it consumes bus
// messages, attaches tenant context, enforces idempotency and rate
// limits, invokes the registered handler and records the outcome.
//
// The per-event order is fixed: lock, replay check, duplicate check,
// rate-limit consume, handler invoke, record, ack. Lock release happens
// in a guaranteed-cleanup block.
package dispatch

import (
	"context"
	"time"

	"github.com/guildcore/backend/internal/envelope"
	"github.com/guildcore/backend/internal/tenant"
)

// Lock TTLs per handler class. Commands that call external APIs hold
// the idempotency lock longer to cover upstream latency.
const (
	DefaultLockTTL  = 30 * time.Second
	ExternalLockTTL = 60 * time.Second
)

// Handler executes one event. It may block on I/O but must honor ctx
// cancellation. com is nil for events without a tenant scope.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope, com *tenant.Community) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope, com *tenant.Community) error

func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope, com *tenant.Community) error {
	return f(ctx, env, com)
}

// Registration binds a handler to an event type together with its
// rate-limit action and lock class.
type Registration struct {
	Handler Handler

	// Action names the sliding-window bucket charged per event. Empty
	// means the event is not rate limited (lifecycle events).
	Action string
	Window tenant.Window

	// LockTTL defaults to DefaultLockTTL when zero.
	LockTTL time.Duration
}

// Registry maps the closed event-type enumeration onto handlers.
// Registration happens at startup only; lookups are lock-free.
type Registry struct {
	entries map[envelope.EventType]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[envelope.EventType]Registration)}
}

// Register binds t to reg, replacing any previous binding.
func (r *Registry) Register(t envelope.EventType, reg Registration) {
	if reg.LockTTL == 0 {
		reg.LockTTL = DefaultLockTTL
	}
	if reg.Window == "" {
		reg.Window = tenant.WindowMinute
	}
	r.entries[t] = reg
}

// Lookup returns the registration for t, if any.
func (r *Registry) Lookup(t envelope.EventType) (Registration, bool) {
	reg, ok := r.entries[t]
	return reg, ok
}
