package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"sensorsync/internal/domain"
)

// defaultMailbox is the per-subscriber queue length.
const defaultMailbox = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	mailbox chan delivery
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.mailbox) })
}

// Bus is an in-process, goroutine-safe event bus. Every subscriber owns a
// mailbox drained by a single goroutine, so each subscriber observes events in
// publish order (link state transitions must render in sequence).
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
	mailbox int
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:   make(map[domain.EventType][]*subscription),
		logger:  logger,
		mailbox: defaultMailbox,
	}
}

// Publish enqueues an event for matching typed subscribers and all-event
// subscribers. It never blocks: a subscriber whose mailbox is full misses the
// event and the drop is counted.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	for _, sub := range b.typed[event.Type] {
		b.enqueue(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.enqueue(ctx, event, sub)
	}
}

func (b *Bus) enqueue(ctx context.Context, event domain.Event, sub *subscription) {
	select {
	case sub.mailbox <- delivery{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, subscriber mailbox full",
			"event", string(event.Type),
			"subscription", sub.id,
		)
	}
}

func (b *Bus) start(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		mailbox: make(chan delivery, b.mailbox),
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range sub.mailbox {
			b.deliver(d, sub)
		}
	}()
	return sub
}

func (b *Bus) deliver(d delivery, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				break
			}
		}
		sub.stop()
	}
}

// Dropped returns how many deliveries were skipped because a mailbox was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close prevents new publishes, lets every subscriber drain its mailbox and
// waits for the handlers to finish. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for _, subs := range b.typed {
		for _, s := range subs {
			s.stop()
		}
	}
	for _, s := range b.allSubs {
		s.stop()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
