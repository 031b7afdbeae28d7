// Package events carries loop observability: every meaningful transition
// of the delivery loop is published here for the TUI, logs, or any other
// subscriber. Publishing is non-blocking; a slow subscriber loses events
// rather than stalling the loop.
package events

import (
	"sync"
)

const defaultBufSize = 256

// EventBus is a channel-based pub-sub bus with topic subscriptions and a
// firehose subscription across all topics.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	allSubs []chan Event
	closed  bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events published to one topic.
// bufSize <= 0 selects the default buffer size.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := b.newChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := b.newChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

func (b *EventBus) newChannel(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return make(chan Event, bufSize)
}

// Publish delivers an event to the topic's subscribers and every
// firehose subscriber. Full channels drop the event for that subscriber.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	deliver(b.subs[topic], event)
	deliver(b.allSubs, event)
}

func deliver(channels []chan Event, event Event) {
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; drop rather than block the loop.
		}
	}
}

// Close closes the bus and all subscriber channels. Idempotent.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
