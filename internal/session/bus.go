package session

import (
	"sync"
	"time"
)

// StaleEvent signals that a project's file tree may no longer match what a
// subscriber last fetched. Delivery is at-least-once: subscribers may see
// redundant events and must treat a refresh as idempotent.
type StaleEvent struct {
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	Reason    string    `json:"reason"` // "write", "file_op", "exec", "init".
	At        time.Time `json:"at"`
}

// subscriberBuffer bounds each subscriber channel. A full buffer means the
// subscriber already has pending staleness signals, so dropping further
// events loses nothing.
const subscriberBuffer = 8

// staleBus is a per-coordinator broadcast of staleness events. Publishing
// never blocks on slow subscribers.
type staleBus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan StaleEvent
}

func newStaleBus() *staleBus {
	return &staleBus{subs: make(map[int]chan StaleEvent)}
}

// subscribe registers a new subscriber and returns its channel together with
// a cancel function. Cancel is safe to call more than once; the channel is
// closed when the subscription ends.
func (b *staleBus) subscribe() (<-chan StaleEvent, func()) {
	ch := make(chan StaleEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish fans the event out to all current subscribers without blocking.
func (b *staleBus) publish(ev StaleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *staleBus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
