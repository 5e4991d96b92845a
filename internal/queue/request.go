package queue

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/go-vbd/internal/proto"
)

// Request lifecycle states.
const (
	StatePending   int32 = iota // allocated, not yet sequenced
	StateQueued                 // sitting in the pending ring
	StateInFlight               // delivered to the consumer, tracked only in the table
	StateCompleted              // terminal: reply or local failure
	StateAborted                // terminal: forced early by Abort/Close
)

// CompleteFunc is the single-shot completion callback carried by a Request.
// By the time it runs, req.Out holds the final header; req.Status() is 0 on
// success or a negative errno.
type CompleteFunc func(req *Request)

// Segment is one element of the I/O descriptor backing a request: a page
// (or page-like buffer) plus the offset and length of the interesting
// range. Consumed read-only for writes, written to for reads.
type Segment struct {
	Data []byte
	Off  int
	Len  int
}

// Bytes returns the addressed range of the segment.
func (s Segment) Bytes() []byte {
	return s.Data[s.Off : s.Off+s.Len]
}

// SegmentsFor slices data into page-sized segments, the shape the
// block-I/O layer hands over.
func SegmentsFor(data []byte, pageSize int) []Segment {
	if pageSize <= 0 {
		pageSize = 4096
	}
	var segs []Segment
	for off := 0; off < len(data); off += pageSize {
		n := len(data) - off
		if n > pageSize {
			n = pageSize
		}
		segs = append(segs, Segment{Data: data, Off: off, Len: n})
	}
	return segs
}

// Request is one in-flight operation: header, argument blob, reply slot,
// completion callback and the I/O descriptor it represents.
type Request struct {
	In       proto.InHeader
	Arg      []byte
	Out      proto.OutHeader
	Segments []Segment

	Rdwr proto.RdwrIn // decoded argument for rdwr opcodes

	sequence  uint64
	state     atomic.Int32
	end       CompleteFunc
	submitted time.Time

	zeroChecked bool // consumer-only, rewrite runs at most once
}

// Sequence returns the per-connection sequence number assigned at enqueue
// time. Zero until the request has been queued.
func (r *Request) Sequence() uint64 {
	return r.sequence
}

// State returns the current lifecycle state.
func (r *Request) State() int32 {
	return r.state.Load()
}

// Status returns the final status of a completed request: 0 on success or
// a negative errno.
func (r *Request) Status() int32 {
	return r.Out.Status
}

// finish transitions the request to a terminal state. It returns false if
// the request was already terminal, which makes completion exactly-once:
// whichever of the reply, abort, or local-failure paths wins the
// transition owns the request from then on.
func (r *Request) finish(aborted bool) bool {
	target := StateCompleted
	if aborted {
		target = StateAborted
	}
	for {
		s := r.state.Load()
		if s == StateCompleted || s == StateAborted {
			return false
		}
		if r.state.CompareAndSwap(s, target) {
			return true
		}
	}
}

// payloadLen returns the total byte length of the request's segments.
func (r *Request) payloadLen() int {
	n := 0
	for _, s := range r.Segments {
		n += s.Len
	}
	return n
}
