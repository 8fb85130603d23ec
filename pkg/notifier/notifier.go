// Package notifier delivers progress events to subscribers off the caller's
// goroutine. Events are queued without bound and handed to subscribers by a
// single delivery goroutine, so every subscriber sees them in publication
// order and a slow subscriber never blocks a publisher.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type subscriberEntry struct {
	id         int
	subscriber Subscriber
	filter     Filter
}

// Notifier queues events and delivers them in order.
type Notifier struct {
	logger zerolog.Logger

	mu          sync.Mutex
	wake        *sync.Cond
	queue       []Event
	subscribers []subscriberEntry
	nextID      int
	closed      bool

	done chan struct{}
}

// New creates a Notifier and starts its delivery goroutine.
func New(logger zerolog.Logger) *Notifier {
	n := &Notifier{
		logger: logger.With().Str("component", "notifier").Logger(),
		done:   make(chan struct{}),
	}
	n.wake = sync.NewCond(&n.mu)

	go n.deliver()
	return n
}

// Notify queues event for delivery. IDs and timestamps are filled in when
// unset. Events published after Shutdown are dropped.
func (n *Notifier) Notify(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		n.logger.Debug().Str("type", string(event.Type)).Msg("notifier closed, dropping event")
		return
	}
	n.queue = append(n.queue, event)
	n.wake.Signal()
}

// Subscribe registers sub for every event accepted by filter (nil accepts
// all). The returned function removes the subscription.
func (n *Notifier) Subscribe(sub Subscriber, filter Filter) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subscribers = append(n.subscribers, subscriberEntry{
		id:         id,
		subscriber: sub,
		filter:     filter,
	})

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, entry := range n.subscribers {
			if entry.id == id {
				n.subscribers = append(n.subscribers[:i:i], n.subscribers[i+1:]...)
				return
			}
		}
	}
}

// deliver runs until Shutdown, draining the queue in order.
func (n *Notifier) deliver() {
	defer close(n.done)

	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.wake.Wait()
		}
		if len(n.queue) == 0 && n.closed {
			n.mu.Unlock()
			return
		}

		batch := n.queue
		n.queue = nil
		subs := make([]subscriberEntry, len(n.subscribers))
		copy(subs, n.subscribers)
		n.mu.Unlock()

		for _, event := range batch {
			for _, entry := range subs {
				if entry.filter != nil && !entry.filter(event) {
					continue
				}
				n.call(entry, event)
			}
		}
	}
}

// call invokes one subscriber, containing any panic it raises.
func (n *Notifier) call(entry subscriberEntry, event Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().
				Interface("panic", r).
				Str("type", string(event.Type)).
				Int("subscriber", entry.id).
				Msg("event subscriber panicked")
		}
	}()
	entry.subscriber(event)
}

// Shutdown stops accepting events and waits until every queued event has
// been delivered or ctx is done.
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.wake.Signal()
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifier shutdown timeout: %w", ctx.Err())
	}
}
