package events

import (
	"sync"
	"time"
)

// Bus is a lightweight pub/sub broker over channels. Publishing never blocks:
// a slow subscriber drops messages rather than stalling the decision loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Envelope
	all  []chan Envelope
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Envelope)}
}

// Subscribe registers a listener for one topic and returns the channel plus an
// unsubscribe function.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[t] = append(b.subs[t], ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs[t] {
			if c == ch {
				close(c)
				b.subs[t] = append(b.subs[t][:i], b.subs[t][i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a listener for every topic (the websocket stream).
func (b *Bus) SubscribeAll(buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.all = append(b.all, ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.all {
			if c == ch {
				close(c)
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// Publish fans the event out to topic subscribers and all-topic subscribers.
// Messages to full channels are dropped to keep the broker non-blocking.
func (b *Bus) Publish(t Topic, message string, details map[string]any) {
	env := Envelope{Topic: t, Time: time.Now(), Message: message, Details: details}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[t] {
		select {
		case ch <- env:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- env:
		default:
		}
	}
}
