package realtime

import (
	"context"
	"sync"
)

// Channel names used on the broker.
const GlobalChannel = "global:updates"

// UserChannel is the broker channel for one user's updates.
func UserChannel(userID string) string { return "user:" + userID }

// DeviceChannel is the broker channel for one device's updates.
func DeviceChannel(deviceID string) string { return "device:" + deviceID }

// Broker relays encoded updates between server instances.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a receive channel and a function that ends the
	// subscription and closes it.
	Subscribe(channel string) (<-chan []byte, func())
}

// MemoryBroker is an in-process Broker. Slow subscribers lose messages
// rather than block publishers.
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan []byte
	buffer int
}

// NewMemoryBroker creates a broker whose subscriptions buffer n messages.
func NewMemoryBroker(n int) *MemoryBroker {
	if n <= 0 {
		n = 100
	}
	return &MemoryBroker{subs: make(map[string]map[int]chan []byte), buffer: n}
}

// Publish delivers payload to every subscriber of channel.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber on channel.
func (b *MemoryBroker) Subscribe(channel string) (<-chan []byte, func()) {
	ch := make(chan []byte, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan []byte)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}
