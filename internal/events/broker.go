// Package events provides typed in-process publish/subscribe channels. Each
// concern (progress samples, session lifecycle) gets its own Broker instance.
package events

import (
	"context"
	"sync"
)

// Broker fans every published value out to all live subscribers. Delivery to
// a subscriber never blocks the publisher: each subscriber owns an unbounded
// queue drained by its own goroutine, so slow consumers lag instead of losing
// values or stalling producers.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

type subscriber[T any] struct {
	filter func(T) bool
	out    chan T

	mu      sync.Mutex
	queue   []T
	notify  chan struct{}
	done    chan struct{}
	stopped bool
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[uint64]*subscriber[T])}
}

// Subscribe returns a channel receiving every value accepted by filter (all
// values when filter is nil). The channel is closed when ctx is done or the
// broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context, filter func(T) bool) <-chan T {
	sub := &subscriber[T]{
		filter: filter,
		out:    make(chan T),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		defer b.remove(id)
		sub.pump(ctx)
	}()
	return sub.out
}

// Publish delivers v to every matching subscriber.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(v) {
			continue
		}
		sub.push(v)
	}
}

// Close completes every subscription after its queued values are delivered.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.stop()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker[T]) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	s.mu.Unlock()
}

func (s *subscriber[T]) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		stopped := s.stopped
		s.mu.Unlock()

		for _, v := range pending {
			select {
			case s.out <- v:
			case <-ctx.Done():
				s.stop()
				return
			}
		}
		if len(pending) > 0 {
			continue
		}
		if stopped {
			return
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			s.stop()
			return
		}
	}
}
