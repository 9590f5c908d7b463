package run

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// broadcaster fans run events out to any number of subscribers. Sends are
// non-blocking: a subscriber that stops draining misses events rather than
// stalling the pipeline.
type broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	closed      bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subscribers: make(map[string]chan Event)}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a buffered event channel. The ID identifies the
// channel for Unsubscribe.
func (b *broadcaster) Subscribe() (string, chan Event) {
	id := randomID()
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// skip slow subscribers so the pipeline never blocks here
		}
	}
}

// closeAll closes every subscriber channel, signalling end of stream.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
