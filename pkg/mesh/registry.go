// Package mesh implements the local half of the event mesh: atomic
// publish into the append-only log, and dispatch of unseen events to
// registered handlers with at-least-once delivery.
package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fleetmind/convoy/pkg/envelope"
)

// Handler processes one event. Handlers must be idempotent: a crash
// between handling and cursor advance forces re-delivery of the same
// event.
type Handler interface {
	Handle(ctx context.Context, e *envelope.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e *envelope.Event) error

func (f HandlerFunc) Handle(ctx context.Context, e *envelope.Event) error { return f(ctx, e) }

// AnyType registers a handler for every event type on a topic.
const AnyType = "*"

// Registry maps (topic, event_type) to handlers. It is populated once at
// startup and sealed before dispatch begins; resolution is a map lookup,
// never reflection.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func key(topic, eventType string) string { return topic + "\x00" + eventType }

// Register binds a handler. Registering after Seal, or binding the same
// (topic, event_type) twice, is a programming error and fails loudly.
func (r *Registry) Register(topic, eventType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("mesh: registry sealed, cannot register %s/%s", topic, eventType)
	}
	k := key(topic, eventType)
	if _, dup := r.handlers[k]; dup {
		return fmt.Errorf("mesh: handler already registered for %s/%s", topic, eventType)
	}
	r.handlers[k] = h
	return nil
}

// Seal freezes the registry. Dispatch only starts on a sealed registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Resolve returns the handler for an event: exact (topic, event_type)
// match first, then the topic-wide AnyType binding.
func (r *Registry) Resolve(topic, eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[key(topic, eventType)]; ok {
		return h, true
	}
	h, ok := r.handlers[key(topic, AnyType)]
	return h, ok
}

// Topics returns the sorted set of topics with at least one handler,
// advertised through the bridge capability manifest.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{})
	for k := range r.handlers {
		for i := 0; i < len(k); i++ {
			if k[i] == '\x00' {
				set[k[:i]] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
