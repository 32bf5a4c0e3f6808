// Package events implements the core event bus (spec C1): a
// multi-producer, multi-consumer broadcast of domain.Event values, with a
// bounded channel per subscriber so one slow consumer cannot back up the
// publishers. Snapshot-style events replace any unread snapshot already
// queued for a subscriber (newest-wins); progress events are dropped
// oldest-first when a subscriber's channel is full.
package events

import (
	"sync"

	"github.com/forgeserve/forge/internal/domain"
)

const defaultBufferSize = 64

// snapshotTypes are replaced in-place rather than queued, so a slow
// subscriber always sees the latest snapshot instead of a backlog of
// stale ones.
var snapshotTypes = map[domain.EventType]bool{
	domain.EventDownloadQueueSnapshot: true,
}

type subscriber struct {
	ch chan domain.Event
	mu sync.Mutex
}

// Bus is the process-wide event broadcaster.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

// New builds a Bus whose subscriber channels hold up to bufferSize
// pending events.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{subscribers: make(map[int64]*subscriber), bufferSize: bufferSize}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed by the returned function;
// callers must stop reading from it once called.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan domain.Event, b.bufferSize)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, unsubscribe
}

// Publish broadcasts ev to every current subscriber. Per-publisher order
// is preserved (Publish holds the bus's read lock for the duration of one
// call), but there is no cross-publisher global order.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev domain.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if snapshotTypes[ev.Type] {
		// Newest-wins: drain any stale snapshot of the same type before
		// enqueuing the new one.
		b.drainStale(sub, ev.Type)
	}

	select {
	case sub.ch <- ev:
	default:
		// Full: drop the oldest pending event to make room (oldest-drop
		// policy for progress-style events), then retry once.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (b *Bus) drainStale(sub *subscriber, t domain.EventType) {
	pending := len(sub.ch)
	for i := 0; i < pending; i++ {
		select {
		case old := <-sub.ch:
			if old.Type != t {
				// Not the type we're replacing; put it back at the tail.
				select {
				case sub.ch <- old:
				default:
				}
			}
		default:
			return
		}
	}
}

// Count reports the current number of live subscribers, used by tests
// and diagnostics.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
