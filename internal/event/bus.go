package event

import (
	"context"
	"sync"
	"sync/atomic"

	"chronicle/internal/buffer"
	"chronicle/internal/logging"
	"chronicle/internal/metrics"
)

const defaultSubscriberBufferSize = 64

type BusOptions struct {
	// Name labels the bus in metrics and logs.
	Name                 string
	SubscriberBufferSize int
	// MaxSubscribers caps live subscriptions; zero means no cap.
	MaxSubscribers int
	// HistorySize is how many recent events History can return.
	HistorySize int
	Registry    *metrics.Registry
	Logger      *logging.Logger
}

// Bus delivers published events to every matching subscriber. A subscriber
// whose buffer is full misses the event; Publish never blocks.
type Bus[T Event] struct {
	name       string
	bufferSize int
	maxSubs    int
	registry   *metrics.Registry
	logger     *logging.Logger

	mu      sync.Mutex
	subs    []*subscriber[T]
	history *buffer.Ring[T]
	closed  bool
	dropped atomic.Int64
}

type subscriber[T Event] struct {
	ch chan T
	// types is nil for subscribers that receive everything.
	types map[string]struct{}
}

func (s *subscriber[T]) wants(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// NewBus returns a bus that closes itself when ctx is done.
func NewBus[T Event](ctx context.Context, opts BusOptions) *Bus[T] {
	bus := &Bus[T]{
		name:       opts.Name,
		bufferSize: opts.SubscriberBufferSize,
		maxSubs:    opts.MaxSubscribers,
		registry:   opts.Registry,
		logger:     opts.Logger,
	}
	if bus.name == "" {
		bus.name = "event_bus"
	}
	if bus.bufferSize <= 0 {
		bus.bufferSize = defaultSubscriberBufferSize
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if opts.HistorySize > 0 {
		bus.history = buffer.NewRing[T](opts.HistorySize)
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.subscribe(nil)
}

// SubscribeTypes delivers only events whose Type is listed.
func (b *Bus[T]) SubscribeTypes(eventTypes ...string) (<-chan T, func()) {
	if len(eventTypes) == 0 {
		return b.subscribe(nil)
	}
	types := make(map[string]struct{}, len(eventTypes))
	for _, eventType := range eventTypes {
		types[eventType] = struct{}{}
	}
	return b.subscribe(types)
}

func (b *Bus[T]) subscribe(types map[string]struct{}) (<-chan T, func()) {
	if b == nil {
		return closedChannel[T](), func() {}
	}
	b.mu.Lock()
	if b.closed || (b.maxSubs > 0 && len(b.subs) >= b.maxSubs) {
		b.mu.Unlock()
		return closedChannel[T](), func() {}
	}
	sub := &subscriber[T]{ch: make(chan T, b.bufferSize), types: types}
	b.subs = append(b.subs, sub)
	b.reportSubscribersLocked()
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.unsubscribe(sub) })
	}
}

func (b *Bus[T]) unsubscribe(sub *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.subs {
		if existing == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			b.reportSubscribersLocked()
			return
		}
	}
}

func (b *Bus[T]) Publish(event T) {
	if b == nil {
		return
	}
	eventType := event.Type()
	if eventType == "" {
		eventType = "unknown"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.history != nil {
		b.history.Add(event)
	}
	b.registry.IncEventPublished(b.name, eventType)
	for _, sub := range b.subs {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.registry.IncEventDropped(b.name, eventType)
			b.logger.Warn("event dropped for slow subscriber", map[string]string{
				"bus":   b.name,
				"event": eventType,
			})
		}
	}
}

// History returns up to count of the most recent events in publish order.
// A count of zero or less returns everything retained.
func (b *Bus[T]) History(count int) []T {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Tail(count)
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus[T]) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	b.reportSubscribersLocked()
}

func (b *Bus[T]) reportSubscribersLocked() {
	typed, all := 0, 0
	for _, sub := range b.subs {
		if sub.types == nil {
			all++
		} else {
			typed++
		}
	}
	b.registry.SetEventSubscriberCounts(b.name, typed, all)
}

func closedChannel[T any]() chan T {
	ch := make(chan T)
	close(ch)
	return ch
}
