// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesqlite

import (
	"sync"
	"sync/atomic"

	"github.com/mobiletoly/go-fivesync/fivesync"
)

// Notifier broadcasts change URIs to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Notifier struct {
	mu      sync.RWMutex
	subs    map[int]chan fivesync.URI
	nextID  int
	dropped atomic.Int64
}

// NewNotifier creates a notifier with no subscribers
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan fivesync.URI)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan fivesync.URI, func()) {
	ch := make(chan fivesync.URI, buffer)
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers uri to every subscriber with room for it
func (n *Notifier) Publish(uri fivesync.URI) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs {
		select {
		case ch <- uri:
		default:
			n.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}
