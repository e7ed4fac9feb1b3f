// Package events is the in-process publish/subscribe channel used to tell
// observers that an item's download or progress state changed. Delivery is
// at-most-once: a slow subscriber loses events rather than stalling the
// publisher, and subscribers must re-read state from the core on receipt.
package events

import (
	"sync"

	"github.com/tinoosan/shelfsync/internal/data"
)

type Kind string

const (
	DownloadProgress      Kind = "download_progress"
	DownloadStatusChanged Kind = "download_status_changed"
	DownloadCompleted     Kind = "download_completed"
	DownloadFailed        Kind = "download_failed"
	ProgressChanged       Kind = "progress_changed"
)

// Event is an invalidation hint for one item.
type Event struct {
	Kind     Kind        `json:"kind"`
	Item     data.ItemID `json:"item"`
	Fraction float64     `json:"fraction,omitempty"`
}

// Publisher is the side of the bus the core depends on.
type Publisher interface {
	Publish(Event)
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events until Close is called.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	once sync.Once
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Close closes every subscription. Later subscriptions are returned closed.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}
