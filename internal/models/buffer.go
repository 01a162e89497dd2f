package models

import (
	"sync"
	"time"
)

// RecentBuffer is a fixed-capacity, thread-safe ring of recently ingested
// events. When full, the oldest event is evicted.
type RecentBuffer struct {
	mu    sync.RWMutex
	items []*Event
	cap   int
	head  int // index of the oldest element
	count int
}

// NewRecentBuffer creates a buffer holding at most capacity events.
func NewRecentBuffer(capacity int) *RecentBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RecentBuffer{
		items: make([]*Event, capacity),
		cap:   capacity,
	}
}

// Add inserts an event, overwriting the oldest one when full.
func (b *RecentBuffer) Add(e *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.cap {
		b.items[b.head] = e
		b.head = (b.head + 1) % b.cap
		return
	}
	b.items[(b.head+b.count)%b.cap] = e
	b.count++
}

// Since returns events whose timestamp is at or after t, in arrival order.
func (b *RecentBuffer) Since(t time.Time) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		e := b.items[(b.head+i)%b.cap]
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (b *RecentBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
