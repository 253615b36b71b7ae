package web

import (
	"sync"

	"bascula-ng/internal/scale"
)

// ReadingBroadcaster fans published readings out to websocket listeners.
// It keeps the most recent value so new subscribers get an immediate sample.
// Slow subscribers miss updates rather than blocking the sampling loop.
type ReadingBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan scale.Reading
	nextID   int
	last     scale.Reading
	haveLast bool
}

func NewReadingBroadcaster() *ReadingBroadcaster {
	return &ReadingBroadcaster{
		subs: make(map[int]chan scale.Reading),
	}
}

func (b *ReadingBroadcaster) Subscribe(buffer int) (int, <-chan scale.Reading) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan scale.Reading, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *ReadingBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers reports how many listeners are attached.
func (b *ReadingBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish has the signature of scale.Config.OnReading.
func (b *ReadingBroadcaster) Publish(r scale.Reading) {
	if b == nil {
		return
	}
	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send.
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.last = r
	b.haveLast = true
	b.mu.Unlock()
}

// Last returns the most recent published reading.
func (b *ReadingBroadcaster) Last() (scale.Reading, bool) {
	if b == nil {
		return scale.Reading{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}
