package queue

import (
	"sync"
	"sync/atomic"
)

// pendingRing is the bounded circular queue handing requests from
// concurrent producers to the single consumer. It keeps two cursor pairs:
// the producer side owns the write index plus a cached copy of the read
// cursor, the consumer side owns the read cursor plus a cached copy of the
// write index. The caches let each side run without touching the other's
// hot word on every operation.
//
// Capacity is a power of two strictly larger than the identifier space, so
// a genuinely full ring means admission control was violated.
type pendingRing struct {
	mask  uint32
	slots []*Request

	mu       sync.Mutex // producer lock
	prodRead uint32     // cached read cursor, refreshed on apparent collision
	sequence uint64     // next sequence number, starts at 1

	write atomic.Uint32 // published write index
	read  atomic.Uint32 // consumer read cursor, published for producer refresh

	consWrite uint32 // consumer's cached write index, consumer-only
}

func newPendingRing(size uint32) *pendingRing {
	if size == 0 || size&(size-1) != 0 {
		panic("pending ring size must be a power of two")
	}
	r := &pendingRing{
		mask:  size - 1,
		slots: make([]*Request, size),
	}
	r.sequence = 1
	return r
}

// enqueue appends req and stamps its sequence number. An apparent collision
// with the cached read cursor triggers a refresh from the consumer's
// published cursor; a collision that survives the refresh is an admission
// control violation and panics.
func (r *pendingRing) enqueue(req *Request) {
	r.mu.Lock()
	w := r.write.Load()
	next := (w + 1) & r.mask
	if next == r.prodRead {
		r.prodRead = r.read.Load()
		if next == r.prodRead {
			r.mu.Unlock()
			panic("vbd: pending ring overflow, identifier space exceeds ring capacity")
		}
	}
	r.slots[w] = req
	req.sequence = r.sequence
	r.sequence++
	r.write.Store(next)
	r.mu.Unlock()
}

// pending reports whether the consumer has anything to read, refreshing the
// consumer's cached write index only when the cache looks empty.
// Consumer-only.
func (r *pendingRing) pending() bool {
	rd := r.read.Load()
	if rd != r.consWrite {
		return true
	}
	w := r.write.Load()
	if rd == w {
		return false
	}
	r.consWrite = w
	return true
}

// depth returns the number of queued requests at a moment in time.
func (r *pendingRing) depth() uint32 {
	return (r.write.Load() - r.read.Load()) & r.mask
}

// cutoff returns the sequence number separating requests already handed to
// a consumer from those still queued: the sequence of the oldest unread
// request, or the next sequence to be assigned when the ring is empty.
func (r *pendingRing) cutoff() uint64 {
	r.mu.Lock()
	seq := r.sequence
	rd := r.read.Load()
	if rd != r.write.Load() {
		seq = r.slots[rd].sequence
	}
	r.mu.Unlock()
	return seq
}

// pushFront re-inserts requests ahead of everything still queued by walking
// the read cursor backwards, oldest request ending up at the front. reqs
// must be sorted by ascending sequence. Only safe while the consumer is
// quiescent, since it moves the consumer-visible read cursor.
func (r *pendingRing) pushFront(reqs []*Request) {
	r.mu.Lock()
	rd := r.read.Load()
	for i := len(reqs); i != 0; i-- {
		rd = (rd - 1) & r.mask
		r.slots[rd] = reqs[i-1]
	}
	r.prodRead = rd
	r.read.Store(rd)
	r.mu.Unlock()
}
