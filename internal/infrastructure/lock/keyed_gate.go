// Package lock provides in-process exclusive acquisition by key.
package lock

import (
	"context"
	"sync"
)

// slot is the token channel of one key. refs counts the holder plus every
// waiter so the slot can be dropped once nobody references it.
type slot struct {
	token chan struct{}
	refs  int
}

// KeyedGate grants exclusive access per key. Different keys never block each
// other. Acquisition is not reentrant: acquiring a key twice from the same
// goroutine without releasing blocks until ctx expires.
type KeyedGate[K comparable] struct {
	mu    sync.Mutex
	slots map[K]*slot
}

// NewKeyedGate creates an empty gate
func NewKeyedGate[K comparable]() *KeyedGate[K] {
	return &KeyedGate[K]{slots: make(map[K]*slot)}
}

// Acquire blocks until key is free or ctx is done. On success it returns a
// release function that is safe to call more than once. On failure the
// returned error is ctx.Err() and nothing is held.
func (g *KeyedGate[K]) Acquire(ctx context.Context, key K) (func(), error) {
	s := g.ref(key)

	select {
	case s.token <- struct{}{}:
	case <-ctx.Done():
		g.unref(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.token
			g.unref(key, s)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on
func (g *KeyedGate[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

func (g *KeyedGate[K]) ref(key K) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	if !ok {
		s = &slot{token: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	s.refs++
	return s
}

func (g *KeyedGate[K]) unref(key K, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, key)
	}
}
