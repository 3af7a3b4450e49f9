// Package bus provides the in-process message bus connecting the
// orchestrator to its collaborators. Payloads cross the bus as JSON
// bytes, exactly as they would on a real broker, so swapping in a
// partitioned broker changes only this package.
package bus

import (
	"context"
	"sync"
)

// Subscriber is a named tap on a topic. Multiple subscribers can
// independently observe the same published messages (fan-out).
type Subscriber struct {
	Name string
	ch   chan []byte
}

// MessageBus is a topic-keyed bus with one primary consumer queue per
// topic plus any number of observational taps.
type MessageBus struct {
	queues map[Topic]chan []byte
	taps   map[Topic][]*Subscriber

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a bus with all standard topics pre-created.
func New() *MessageBus {
	b := &MessageBus{
		queues: make(map[Topic]chan []byte),
		taps:   make(map[Topic][]*Subscriber),
	}
	for _, t := range Topics() {
		b.queues[t] = make(chan []byte, 100)
	}
	return b
}

// Tap creates a named subscriber receiving copies of every message
// published to the topic. The channel is buffered; slow consumers drop.
func (b *MessageBus) Tap(topic Topic, name string) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan []byte, 64)}
	b.taps[topic] = append(b.taps[topic], sub)
	return sub.ch
}

// Publish delivers a payload to the topic's primary queue and all taps.
// When the queue is full the oldest message is dropped to keep the
// producer from blocking.
func (b *MessageBus) Publish(topic Topic, payload []byte) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, sub := range b.taps[topic] {
		select {
		case sub.ch <- payload:
		default: // non-blocking — drop if subscriber is slow
		}
	}
	q, ok := b.queues[topic]
	b.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case q <- payload:
	default:
		// Queue full — drop oldest and retry
		select {
		case <-q:
		default:
		}
		select {
		case q <- payload:
		default:
		}
	}
}

// Consume blocks for the next payload on the topic's primary queue.
// Returns false when the context is canceled.
func (b *MessageBus) Consume(ctx context.Context, topic Topic) ([]byte, bool) {
	b.mu.RLock()
	q, ok := b.queues[topic]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	select {
	case payload := <-q:
		return payload, true
	case <-ctx.Done():
		return nil, false
	}
}

// Depth returns the current primary-queue depth for a topic.
func (b *MessageBus) Depth(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues[topic])
}

// Close shuts the bus down. Publishes after Close are dropped.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, subs := range b.taps {
			for _, sub := range subs {
				close(sub.ch)
			}
		}
		b.mu.Unlock()
	})
}
