// Package redisholder owns the process-wide redis client. The client
// sits behind an atomically swappable holder so the health loop can
// replace a dead connection while the dispatcher and the result cache
// keep reading through the same handle.
package redisholder

import (
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Holder hands out the current redis client. Get is safe from any
// goroutine; swaps are only performed by the health loop.
type Holder struct {
	v atomic.Value // redis.UniversalClient
}

func NewHolder(initial redis.UniversalClient) *Holder {
	h := &Holder{}
	h.v.Store(initial)
	return h
}

// Get returns the live client. Callers must not hold on to it across
// blocking waits; a reconnect may have swapped it out.
func (h *Holder) Get() redis.UniversalClient {
	c, _ := h.v.Load().(redis.UniversalClient)
	return c
}

// swap installs a fresh client and returns the previous one so the
// caller can close it.
func (h *Holder) swap(newc redis.UniversalClient) (old redis.UniversalClient) {
	old, _ = h.v.Load().(redis.UniversalClient)
	h.v.Store(newc)
	return old
}

func (h *Holder) Close() error {
	if c := h.Get(); c != nil {
		return c.Close()
	}
	return nil
}
