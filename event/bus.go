package event

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/id"
)

// DefaultHistoryLimit is the default size of the bounded event history ring.
const DefaultHistoryLimit = 1000

// DefaultDeliveryTimeout bounds a single listener notification when the
// subscription does not set its own timeout.
const DefaultDeliveryTimeout = 5 * time.Second

// emaWeight is the smoothing factor for the dispatch latency moving average.
const emaWeight = 0.2

// Stats is a snapshot of bus counters.
type Stats struct {
	TotalEmitted   int64            `json:"total_emitted"`
	TotalDelivered int64            `json:"total_delivered"`
	TotalErrors    int64            `json:"total_errors"`
	TotalVetoed    int64            `json:"total_vetoed"`
	PerType        map[string]int64 `json:"per_type"`
	AvgDispatch    time.Duration    `json:"avg_dispatch"`
	Subscriptions  int              `json:"subscriptions"`
	HistorySize    int              `json:"history_size"`
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithHistoryLimit bounds the event history ring.
func WithHistoryLimit(n int) BusOption {
	return func(b *Bus) { b.historyLimit = n }
}

// WithDefaultTimeout sets the fallback per-delivery timeout.
func WithDefaultTimeout(d time.Duration) BusOption {
	return func(b *Bus) { b.defaultTimeout = d }
}

// WithBusErrorHandler sets the bus-wide handler for listener failures that
// have no subscription-level handler.
func WithBusErrorHandler(h ErrorHandler) BusOption {
	return func(b *Bus) { b.onError = h }
}

// WithSource stamps emitted events with a source identifier.
func WithSource(source string) BusOption {
	return func(b *Bus) { b.source = source }
}

// Bus is the prioritized publish/subscribe hub. All methods are safe for
// concurrent use. A zero Bus is not usable; create one with NewBus.
type Bus struct {
	logger *slog.Logger
	source string

	mu           sync.RWMutex
	subs         map[string][]*Subscription // per type, sorted by descending priority
	subTypes     map[string]string          // subscription id → event type
	filters      []namedFilter
	transformers []Transformer
	history      []*Event
	historyLimit int
	closed       bool

	defaultTimeout time.Duration
	onError        ErrorHandler

	// Counters, guarded by statsMu so Emit's bookkeeping does not contend
	// with subscription mutation.
	statsMu        sync.Mutex
	totalEmitted   int64
	totalDelivered int64
	totalErrors    int64
	totalVetoed    int64
	perType        map[string]int64
	emaDispatch    float64 // nanoseconds

	// wg tracks in-flight concurrent deliveries for shutdown draining.
	wg sync.WaitGroup
}

type namedFilter struct {
	name string
	fn   Filter
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:         logger,
		subs:           make(map[string][]*Subscription),
		subTypes:       make(map[string]string),
		perType:        make(map[string]int64),
		historyLimit:   DefaultHistoryLimit,
		defaultTimeout: DefaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ──────────────────────────────────────────────────
// Subscription management
// ──────────────────────────────────────────────────

// Subscribe registers a listener for one event type and returns the
// subscription id. Subscriptions for the same type are kept sorted by
// descending priority; equal priorities keep registration order.
func (b *Bus) Subscribe(eventType string, listener Listener, opts ...SubscribeOption) id.SubscriptionID {
	sub := &Subscription{
		ID:       id.NewSubscriptionID(),
		Type:     eventType,
		listener: listener,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Rebuild rather than mutate in place so emits holding a snapshot
	// never observe a half-sorted slice.
	next := make([]*Subscription, 0, len(b.subs[eventType])+1)
	next = append(next, b.subs[eventType]...)
	next = append(next, sub)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority > next[j].Priority })

	b.subs[eventType] = next
	b.subTypes[sub.ID.String()] = eventType

	return sub.ID
}

// SubscribeTypes registers the same listener for several event types and
// returns one subscription id per type.
func (b *Bus) SubscribeTypes(eventTypes []string, listener Listener, opts ...SubscribeOption) []id.SubscriptionID {
	ids := make([]id.SubscriptionID, 0, len(eventTypes))
	for _, t := range eventTypes {
		ids = append(ids, b.Subscribe(t, listener, opts...))
	}
	return ids
}

// Once registers a listener that is removed after its first matching
// delivery. Sugar for Subscribe with WithOnce.
func (b *Bus) Once(eventType string, listener Listener, opts ...SubscribeOption) id.SubscriptionID {
	return b.Subscribe(eventType, listener, append(opts, WithOnce())...)
}

// Unsubscribe removes a subscription. Reports whether it existed.
func (b *Bus) Unsubscribe(subID id.SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.removeLocked(subID)
}

// UnsubscribeAll removes every subscription for the given type and returns
// how many were removed.
func (b *Bus) UnsubscribeAll(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := len(b.subs[eventType])
	for _, sub := range b.subs[eventType] {
		delete(b.subTypes, sub.ID.String())
	}
	delete(b.subs, eventType)

	return removed
}

// Subscriptions returns the current subscriptions for a type in dispatch
// (descending priority) order.
func (b *Bus) Subscriptions(eventType string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Subscription, len(b.subs[eventType]))
	copy(out, b.subs[eventType])

	return out
}

// removeLocked removes a subscription by id. Caller holds b.mu.
func (b *Bus) removeLocked(subID id.SubscriptionID) bool {
	key := subID.String()
	eventType, ok := b.subTypes[key]
	if !ok {
		return false
	}
	delete(b.subTypes, key)

	current := b.subs[eventType]
	next := make([]*Subscription, 0, len(current))
	for _, sub := range current {
		if sub.ID != subID {
			next = append(next, sub)
		}
	}
	if len(next) == 0 {
		delete(b.subs, eventType)
	} else {
		b.subs[eventType] = next
	}

	return true
}

// ──────────────────────────────────────────────────
// Filters and transformers
// ──────────────────────────────────────────────────

// AddFilter registers a bus-level filter. Any filter returning false vetoes
// delivery of the event entirely.
func (b *Bus) AddFilter(name string, fn Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.filters = append(b.filters, namedFilter{name: name, fn: fn})
}

// RemoveFilter removes a bus-level filter by name. Reports whether it existed.
func (b *Bus) RemoveFilter(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, f := range b.filters {
		if f.name == name {
			b.filters = append(b.filters[:i], b.filters[i+1:]...)
			return true
		}
	}

	return false
}

// AddTransformer registers an event transformer. Transformers run in
// descending-priority order, each producing the event passed to the next.
func (b *Bus) AddTransformer(t Transformer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]Transformer, 0, len(b.transformers)+1)
	next = append(next, b.transformers...)
	next = append(next, t)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority > next[j].Priority })

	b.transformers = next
}

// RemoveTransformer removes a transformer by name. Reports whether it existed.
func (b *Bus) RemoveTransformer(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, t := range b.transformers {
		if t.Name == name {
			b.transformers = append(b.transformers[:i], b.transformers[i+1:]...)
			return true
		}
	}

	return false
}

// ──────────────────────────────────────────────────
// Emit
// ──────────────────────────────────────────────────

// Emit publishes an event of the given type and notifies every current
// subscriber for it concurrently, each bounded by its per-subscription
// timeout. Bus bookkeeping (history, counters) is applied before dispatch.
// It returns the number of subscribers notified; vetoed events return zero.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]any, meta Metadata) (int, error) {
	evt, subs, err := b.prepare(eventType, payload, meta)
	if err != nil || evt == nil {
		return 0, err
	}

	// Dispatch in descending-priority order; deliveries themselves run
	// concurrently with no completion-order guarantee.
	for _, sub := range subs {
		b.wg.Add(1)
		go func(sub *Subscription) {
			defer b.wg.Done()
			b.deliver(ctx, sub, evt)
		}(sub)
	}

	return len(subs), nil
}

// EmitSync publishes an event and notifies subscribers sequentially in
// descending-priority order, waiting for each listener before invoking the
// next. Use it where deterministic delivery order matters more than
// isolation from slow listeners.
func (b *Bus) EmitSync(ctx context.Context, eventType string, payload map[string]any, meta Metadata) (int, error) {
	evt, subs, err := b.prepare(eventType, payload, meta)
	if err != nil || evt == nil {
		return 0, err
	}

	for _, sub := range subs {
		b.deliver(ctx, sub, evt)
	}

	return len(subs), nil
}

// prepare builds the envelope, applies filters and transformers, records
// history and counters, and snapshots the subscriber list. A nil event with
// nil error means the emit was vetoed by a filter.
func (b *Bus) prepare(eventType string, payload map[string]any, meta Metadata) (*Event, []*Subscription, error) {
	start := time.Now()

	// Snapshot filters and transformers so user code runs without the bus
	// lock; a filter that calls back into the bus must not deadlock.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, nil, fmt.Errorf("emit %q: %w", eventType, flowstate.ErrBusClosed)
	}
	filters := append([]namedFilter{}, b.filters...)
	transformers := append([]Transformer{}, b.transformers...)
	b.mu.RUnlock()

	evt := &Event{
		ID:        id.NewEventID(),
		Type:      eventType,
		Source:    b.source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}

	// Bus-level filters: any veto skips delivery entirely.
	for _, f := range filters {
		if !f.fn(evt) {
			b.statsMu.Lock()
			b.totalVetoed++
			b.statsMu.Unlock()
			return nil, nil, nil
		}
	}

	// Transformers, highest priority first, each feeding the next.
	for _, t := range transformers {
		if next := t.Apply(evt); next != nil {
			evt = next
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("emit %q: %w", eventType, flowstate.ErrBusClosed)
	}

	// Bounded ring history, oldest dropped first.
	b.history = append(b.history, evt)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}

	// Snapshot subscribers before releasing the lock so concurrent
	// (un)subscribes — including once-removal — cannot corrupt dispatch.
	subs := make([]*Subscription, 0, len(b.subs[evt.Type]))
	for _, sub := range b.subs[evt.Type] {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		subs = append(subs, sub)
	}

	// Once-subscriptions are consumed at dispatch time.
	for _, sub := range subs {
		if sub.Once {
			b.removeLocked(sub.ID)
		}
	}
	b.mu.Unlock()

	b.statsMu.Lock()
	b.totalEmitted++
	b.perType[evt.Type]++
	b.totalDelivered += int64(len(subs))
	elapsed := float64(time.Since(start))
	if b.emaDispatch == 0 {
		b.emaDispatch = elapsed
	} else {
		b.emaDispatch = emaWeight*elapsed + (1-emaWeight)*b.emaDispatch
	}
	b.statsMu.Unlock()

	return evt, subs, nil
}

// deliver invokes one listener with its timeout, converting errors, panics
// and timeouts into error-handler calls so one bad listener cannot affect
// its peers or the emitter.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, evt *Event) {
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("listener panic: %v", r)
			}
		}()
		done <- sub.listener(dctx, evt)
	}()

	var err error
	select {
	case err = <-done:
	case <-dctx.Done():
		err = fmt.Errorf("listener for %q timed out after %s: %w", evt.Type, timeout, dctx.Err())
	}

	if err == nil {
		return
	}

	b.statsMu.Lock()
	b.totalErrors++
	b.statsMu.Unlock()

	switch {
	case sub.onError != nil:
		sub.onError(evt, sub, err)
	case b.onError != nil:
		b.onError(evt, sub, err)
	default:
		b.logger.Warn("event listener failed",
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.ID.String()),
			slog.String("subscription_id", sub.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// WaitFor
// ──────────────────────────────────────────────────

// WaitFor blocks until an event of the given type (matching the optional
// filter) is emitted, the timeout elapses, or ctx is cancelled. It is a
// one-shot subscription with its own timeout.
func (b *Bus) WaitFor(ctx context.Context, eventType string, timeout time.Duration, filter Filter) (*Event, error) {
	ch := make(chan *Event, 1)

	opts := []SubscribeOption{WithOnce()}
	if filter != nil {
		opts = append(opts, WithFilter(filter))
	}

	subID := b.Subscribe(eventType, func(_ context.Context, evt *Event) error {
		select {
		case ch <- evt:
		default:
		}
		return nil
	}, opts...)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt := <-ch:
		return evt, nil
	case <-timer.C:
		b.Unsubscribe(subID)
		return nil, fmt.Errorf("wait for %q: timed out after %s: %w", eventType, timeout, flowstate.ErrWaitTimeout)
	case <-ctx.Done():
		b.Unsubscribe(subID)
		return nil, fmt.Errorf("wait for %q: %w", eventType, ctx.Err())
	}
}

// ──────────────────────────────────────────────────
// History, stats, shutdown
// ──────────────────────────────────────────────────

// History returns up to limit most recent events, newest last. A limit of
// zero or less returns the full retained history. A non-empty eventType
// restricts the result to that type.
func (b *Bus) History(limit int, eventType string) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Event, 0, len(b.history))
	for _, evt := range b.history {
		if eventType != "" && evt.Type != eventType {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	return out
}

// GetStats returns a snapshot of bus counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	subCount := len(b.subTypes)
	histSize := len(b.history)
	b.mu.RUnlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	perType := make(map[string]int64, len(b.perType))
	for k, v := range b.perType {
		perType[k] = v
	}

	return Stats{
		TotalEmitted:   b.totalEmitted,
		TotalDelivered: b.totalDelivered,
		TotalErrors:    b.totalErrors,
		TotalVetoed:    b.totalVetoed,
		PerType:        perType,
		AvgDispatch:    time.Duration(b.emaDispatch),
		Subscriptions:  subCount,
		HistorySize:    histSize,
	}
}

// Shutdown drains pending concurrent deliveries until ctx expires, then
// clears all subscriptions, history and counters. The bus rejects emits
// from the moment Shutdown is called.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("event bus shutdown: %w", ctx.Err())
	}

	b.mu.Lock()
	b.subs = make(map[string][]*Subscription)
	b.subTypes = make(map[string]string)
	b.filters = nil
	b.transformers = nil
	b.history = nil
	b.mu.Unlock()

	b.statsMu.Lock()
	b.totalEmitted = 0
	b.totalDelivered = 0
	b.totalErrors = 0
	b.totalVetoed = 0
	b.perType = make(map[string]int64)
	b.emaDispatch = 0
	b.statsMu.Unlock()

	return err
}
