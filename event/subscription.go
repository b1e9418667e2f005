package event

import (
	"context"
	"time"

	"github.com/xraph/flowstate/id"
)

// Listener consumes a delivered event. The context carries the
// per-subscription delivery deadline; long-running listeners should honor it.
type Listener func(ctx context.Context, evt *Event) error

// Filter decides whether an event is seen. Bus-level filters veto delivery
// to everyone; subscription-level filters skip only that subscriber.
type Filter func(evt *Event) bool

// ErrorHandler receives listener failures (errors, panics, timeouts).
type ErrorHandler func(evt *Event, sub *Subscription, err error)

// TransformFunc derives a new event from an existing one. Returning nil
// keeps the input event unchanged.
type TransformFunc func(evt *Event) *Event

// Transformer rewrites events during emit, in descending-priority order,
// each feeding the event it produces to the next.
type Transformer struct {
	Name     string
	Priority int
	Apply    TransformFunc
}

// Subscription binds a listener to one event type with delivery options.
// Subscriptions for the same type are dispatched in descending Priority
// order.
type Subscription struct {
	ID       id.SubscriptionID
	Type     string
	Priority int
	Once     bool
	Timeout  time.Duration

	listener Listener
	filter   Filter
	onError  ErrorHandler
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*Subscription)

// WithPriority sets the dispatch priority (higher dispatches first).
func WithPriority(p int) SubscribeOption {
	return func(s *Subscription) { s.Priority = p }
}

// WithOnce marks the subscription for automatic removal after its first
// matching delivery.
func WithOnce() SubscribeOption {
	return func(s *Subscription) { s.Once = true }
}

// WithTimeout bounds each delivery to this subscriber. Zero falls back to
// the bus default.
func WithTimeout(d time.Duration) SubscribeOption {
	return func(s *Subscription) { s.Timeout = d }
}

// WithFilter skips deliveries for which the predicate returns false.
func WithFilter(f Filter) SubscribeOption {
	return func(s *Subscription) { s.filter = f }
}

// WithErrorHandler routes this subscription's delivery failures to h
// instead of the bus-wide handler.
func WithErrorHandler(h ErrorHandler) SubscribeOption {
	return func(s *Subscription) { s.onError = h }
}
