package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type subscription struct {
	topic   Topic
	handler Handler
}

// LocalBus delivers events to in-process subscribers.
//
// Handlers run synchronously on the publishing goroutine. A panicking
// handler is logged and does not stop delivery to the others.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]subscription
	closed bool
	logger *slog.Logger
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		subs:   make(map[string]subscription),
		logger: logger,
	}
}

// Publish implements Bus.
func (b *LocalBus) Publish(ctx context.Context, topic Topic, payload any) error {
	ev, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.deliver(ev)
	return nil
}

// deliver fans ev out to the subscribers of its topic.
func (b *LocalBus) deliver(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topic == ev.Topic {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, ev)
	}
}

func (b *LocalBus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", slog.String("topic", string(ev.Topic)), slog.Any("panic", r))
		}
	}()
	h(ev)
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(topic Topic, handler Handler) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = subscription{topic: topic, handler: handler}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close implements Bus.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]subscription)
	return nil
}
