// Package events is the per-session update feed. Each Session owns one Bus;
// there is no process-wide dispatcher.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/iambrandonn/overseer/internal/protocol"
)

// DefaultChannelBuffer is the buffer size for channel subscriptions
const DefaultChannelBuffer = 256

// Handler receives every update published on a Bus
type Handler func(protocol.Update)

// Publisher is the write side of a Bus
type Publisher interface {
	Publish(upd protocol.Update)
}

type subscriber struct {
	id      int
	handler Handler
}

// Bus fans updates out to subscribers in subscription order
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID int
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty Bus
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a handler and returns a function that removes it.
// Handlers run synchronously on the publishing goroutine and must not block.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscribeChan delivers updates on a buffered channel. Updates are dropped
// (and logged) when the consumer falls behind. The channel is closed on unsubscribe.
func (b *Bus) SubscribeChan(buffer int) (<-chan protocol.Update, func()) {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	ch := make(chan protocol.Update, buffer)

	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(upd protocol.Update) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- upd:
		default:
			b.logger.Warn("dropping update for slow subscriber", "type", upd.Type, "user_id", upd.UserID)
		}
	})

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Publish stamps the update if needed and delivers it to every subscriber
func (b *Bus) Publish(upd protocol.Update) {
	if upd.Timestamp.IsZero() {
		upd.Timestamp = b.now()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, upd)
	}
}

// Len returns the number of subscribers
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(s subscriber, upd protocol.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update subscriber panicked", "subscriber", s.id, "type", upd.Type, "panic", r)
		}
	}()
	s.handler(upd)
}
