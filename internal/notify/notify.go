// Package notify publishes asset status-change events to the asset.status
// topic. Delivery is at least once; consumers de-duplicate by (assetId, status).
package notify

import (
	"context"
	"sync"

	"mediaforge/internal/media"
)

// Publisher emits a status event for external consumers.
type Publisher interface {
	Publish(ctx context.Context, event media.StatusEvent) error
}

// NoopPublisher drops every event. Used when no notification transport is
// configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, media.StatusEvent) error { return nil }

// MemoryPublisher buffers events in memory for tests and single-process setups.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []media.StatusEvent
	subs   []chan media.StatusEvent
}

// NewMemoryPublisher returns an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Publish(ctx context.Context, event media.StatusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	subs := append([]chan media.StatusEvent(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []media.StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]media.StatusEvent(nil), m.events...)
}

// Subscribe returns a buffered channel receiving future events. Events are
// dropped rather than blocking when the subscriber falls behind.
func (m *MemoryPublisher) Subscribe() <-chan media.StatusEvent {
	ch := make(chan media.StatusEvent, 64)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}
