package stream

import (
	"context"
	"sync"
)

// Listener receives the changes of the collections it is registered for.
// A returned error fails the record, and the stream redelivers it.
type Listener func(ctx context.Context, change Change) error

// Subscription binds a listener to a scope and collection. An empty
// Collection matches every collection of the scope; an empty Scope matches
// every scope.
type Subscription struct {
	Name       string
	Scope      string
	Collection string
	Listener   Listener
}

func (s Subscription) matches(scope, collection string) bool {
	return (s.Scope == "" || s.Scope == scope) &&
		(s.Collection == "" || s.Collection == collection)
}

// Registry holds the listeners a Handler dispatches to.
// It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	subscriptions []Subscription
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a subscription. Listeners run in registration order.
func (r *Registry) Register(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions = append(r.subscriptions, sub)
}

// Listen registers fn for one collection of a scope.
func (r *Registry) Listen(scope, collection string, fn Listener) {
	r.Register(Subscription{Scope: scope, Collection: collection, Listener: fn})
}

// SubscriptionsFor returns the subscriptions matching a scope and collection.
func (r *Registry) SubscriptionsFor(scope, collection string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for _, s := range r.subscriptions {
		if s.matches(scope, collection) {
			out = append(out, s)
		}
	}
	return out
}

// AllSubscriptions returns every registered subscription.
func (r *Registry) AllSubscriptions() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Subscription(nil), r.subscriptions...)
}

// HasListeners reports whether any subscription matches a scope and collection.
func (r *Registry) HasListeners(scope, collection string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subscriptions {
		if s.matches(scope, collection) {
			return true
		}
	}
	return false
}
