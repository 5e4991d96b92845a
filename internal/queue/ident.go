package queue

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-vbd/internal/constants"
)

// identShard is one cache of free identifiers. Shards stand in for the
// per-CPU caches of the original design: each has its own small lock, and
// submitters spread across them so the global pool lock is only taken for
// batch transfers.
type identShard struct {
	mu   sync.Mutex
	free []uint64
}

// identAllocator hands out request identifiers unique while in flight.
// Every identifier is, at any time, in exactly one of the global pool, one
// shard's cache, or in use by a live request. The low bits of an
// identifier index the request table; each reuse of a table slot bumps the
// identifier by the space size so stale identifiers fail lookup. Zero is
// never handed out: it tags notifications on the reply channel.
type identAllocator struct {
	space uint64 // identifier space size, power of two

	mu   sync.Mutex // global pool lock
	free []uint64   // array-backed stack

	shards []identShard
	next   atomic.Uint32 // round-robin shard cursor
}

func newIdentAllocator(space uint64, shards int) *identAllocator {
	if space == 0 || space&(space-1) != 0 {
		panic("identifier space must be a power of two")
	}
	if shards < 1 {
		shards = 1
	}
	a := &identAllocator{
		space:  space,
		free:   make([]uint64, space),
		shards: make([]identShard, shards),
	}
	// Stack is seeded in descending order so the first acquisitions come
	// out ascending.
	for i := uint64(0); i < space; i++ {
		a.free[i] = space - i - 1
	}
	for i := range a.shards {
		a.shards[i].free = make([]uint64, 0, constants.ShardCacheSize)
	}
	return a
}

func (a *identAllocator) shard() *identShard {
	return &a.shards[int(a.next.Add(1))%len(a.shards)]
}

// acquire pops an identifier from a shard cache, transferring a bounded
// batch from the global pool when the cache is empty. When the global pool
// is also dry it steals from the other shards, so it returns false only
// when the whole space is in use, which correct admission control keeps
// unreachable.
func (a *identAllocator) acquire() (uint64, bool) {
	s := a.shard()
	s.mu.Lock()
	if len(s.free) == 0 {
		a.mu.Lock()
		n := len(a.free)
		if n > 0 {
			batch := constants.ShardCacheSize / 2
			if batch > n {
				batch = n
			}
			s.free = append(s.free, a.free[n-batch:]...)
			a.free = a.free[:n-batch]
		}
		a.mu.Unlock()
	}
	if len(s.free) > 0 {
		id := s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		s.mu.Unlock()
		return a.bump(id), true
	}
	s.mu.Unlock()

	// Global pool is dry; free identifiers may still sit in other shard
	// caches.
	for i := range a.shards {
		o := &a.shards[i]
		o.mu.Lock()
		if len(o.free) > 0 {
			id := o.free[len(o.free)-1]
			o.free = o.free[:len(o.free)-1]
			o.mu.Unlock()
			return a.bump(id), true
		}
		o.mu.Unlock()
	}
	return 0, false
}

// bump advances the identifier by one generation, keeping its table slot
// and skipping the reserved zero value.
func (a *identAllocator) bump(id uint64) uint64 {
	id += a.space
	if id == 0 {
		id += a.space
	}
	return id
}

// release returns an identifier to a shard cache, flushing half of the
// cache back to the global pool when it is full. A flush that would
// overflow the global pool means an identifier was released twice; that is
// a fatal logic error.
func (a *identAllocator) release(id uint64) {
	s := a.shard()
	s.mu.Lock()
	if len(s.free) == cap(s.free) {
		half := constants.ShardCacheSize / 2
		a.mu.Lock()
		if uint64(len(a.free)+half) > a.space {
			a.mu.Unlock()
			s.mu.Unlock()
			panic("vbd: identifier pool overflow, double release")
		}
		a.free = append(a.free, s.free[len(s.free)-half:]...)
		a.mu.Unlock()
		s.free = s.free[:len(s.free)-half]
	}
	s.free = append(s.free, id)
	s.mu.Unlock()
}

// freeCount reports how many identifiers are currently free across the
// global pool and all shard caches.
func (a *identAllocator) freeCount() int {
	a.mu.Lock()
	n := len(a.free)
	a.mu.Unlock()
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		n += len(s.free)
		s.mu.Unlock()
	}
	return n
}
