// Package events fans normalized status changes out to subscribers.
// Delivery is at-most-once per change: a subscriber that cannot keep up
// misses events rather than stalling the publisher, and there is no replay.
// A new subscriber receives only the current snapshot of every device, then
// future changes.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/models"
)

// Bridge is the in-process publish/subscribe channel between the machine
// layer and its consumers (dashboards, logging).
type Bridge struct {
	buffer int
	logger zerolog.Logger

	mu          sync.RWMutex
	closed      bool
	subscribers map[string]chan models.Event

	// latest canonical status per device, primed into new subscriptions
	snapshots cmap.ConcurrentMap[string, models.CanonicalStatus]
}

// NewBridge creates a bridge whose subscriber channels buffer up to buffer
// events.
func NewBridge(buffer int, logger zerolog.Logger) *Bridge {
	return &Bridge{
		buffer:      buffer,
		logger:      logger,
		subscribers: make(map[string]chan models.Event),
		snapshots:   cmap.New[models.CanonicalStatus](),
	}
}

// Subscribe registers a new subscriber and primes its channel with the
// current snapshot of every device.
func (b *Bridge) Subscribe() (string, <-chan models.Event) {
	id := uuid.New().String()
	snapshots := b.snapshots.Items()

	size := b.buffer
	if n := len(snapshots); n > size {
		size = n
	}
	ch := make(chan models.Event, size)
	for deviceID, status := range snapshots {
		s := status
		ch <- models.Event{
			Type:      models.EventStatus,
			DeviceID:  deviceID,
			Status:    &s,
			Timestamp: s.Timestamp,
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent.
func (b *Bridge) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish fans an event out to all subscribers without blocking. Status
// events also refresh the per-device snapshot.
func (b *Bridge) Publish(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Type == models.EventStatus && event.Status != nil {
		b.snapshots.Set(event.DeviceID, *event.Status)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug().Str("subscriber", id).Str("device_id", event.DeviceID).Msg("Subscriber lagging, event dropped")
		}
	}
}

// Latest returns the current snapshot for one device.
func (b *Bridge) Latest(deviceID string) (models.CanonicalStatus, bool) {
	return b.snapshots.Get(deviceID)
}

// Forget drops the snapshot of a removed device.
func (b *Bridge) Forget(deviceID string) {
	b.snapshots.Remove(deviceID)
}

// Close closes every subscriber channel. Further publishes are no-ops.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
