// Package pubsub provides a basic Publish/Subscribe implementation.
package pubsub

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the capacity of the channel handed out by Subscribe.
const DefaultQueueSize = 16

// Publisher allows clients and sends them the information provided by Publish.
// Subscriber channels are buffered: if a subscriber does not keep up, Publish
// drops the message for that subscriber rather than block the caller.
type Publisher[T any] struct {
	clients map[chan T]struct{}
	logger  *slog.Logger
	dropped atomic.Int64
	lock    sync.RWMutex
}

// New returns a new Publisher
func New[T any](logger *slog.Logger) *Publisher[T] {
	return &Publisher[T]{
		clients: make(map[chan T]struct{}),
		logger:  logger,
	}
}

// Subscribe registers the caller and returns a new channel on which it will publish updates.
func (p *Publisher[T]) Subscribe() chan T {
	p.lock.Lock()
	defer p.lock.Unlock()
	ch := make(chan T, DefaultQueueSize)
	p.clients[ch] = struct{}{}
	p.logger.Debug("subscriber added", slog.Int("subscribers", len(p.clients)))
	return ch
}

// Unsubscribe removes the registered client/channel.
func (p *Publisher[T]) Unsubscribe(ch chan T) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.clients, ch)
	p.logger.Debug("subscriber removed", slog.Int("subscribers", len(p.clients)))
}

// Publish sends info to all registered clients. Clients with a full queue are skipped.
func (p *Publisher[T]) Publish(info T) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for ch := range p.clients {
		select {
		case ch <- info:
		default:
			p.dropped.Add(1)
			p.logger.Warn("subscriber queue full, dropping message", slog.Int64("dropped", p.dropped.Load()))
		}
	}
}

// Subscribers returns the current number of subscribers
func (p *Publisher[T]) Subscribers() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.clients)
}

// Dropped returns the number of messages discarded because a subscriber's queue was full.
func (p *Publisher[T]) Dropped() int64 {
	return p.dropped.Load()
}
