package queue

import (
	"context"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-vbd/internal/constants"
	"github.com/behrlich/go-vbd/internal/proto"
)

// VecSource supplies destination buffers for the read-data notification:
// each call returns up to max buffers, or none when the daemon has no more
// space to offer. Returning an error fails the notification.
type VecSource func(max int) ([][]byte, error)

// ReadRequests drains pending requests into dst, packing as many whole
// frames as fit and never splitting one across calls. When nothing is
// pending it returns ErrNoData if block is false, otherwise it waits until
// data arrives, the connection closes (ErrNotConnected), or ctx is done
// (ErrInterrupted, retryable). Returns the number of bytes written, which
// is 0 when the first pending frame does not fit.
func (c *Conn) ReadRequests(ctx context.Context, dst []byte, block bool) (int, error) {
	for {
		// Disconnect wins over stale pending entries: an aborted
		// connection already completed everything in the ring.
		if !c.Connected() {
			return 0, NewError("READ_CHANNEL", CodeNotConnected, "connection is down")
		}
		if c.ring.pending() {
			return c.drain(dst), nil
		}
		if !block {
			return 0, NewError("READ_CHANNEL", CodeNoData, "nothing pending")
		}

		c.mu.Lock()
		c.waiters++
		ch := c.notifyCh
		c.mu.Unlock()

		// Recheck after registering so a wakeup between the pending
		// check and the registration is not lost.
		if c.ring.pending() || !c.Connected() {
			c.unregister()
			continue
		}
		select {
		case <-ctx.Done():
			c.unregister()
			e := NewError("READ_CHANNEL", CodeInterrupted, "wait interrupted")
			e.Inner = ctx.Err()
			return 0, e
		case <-ch:
			c.unregister()
		}
	}
}

func (c *Conn) unregister() {
	c.mu.Lock()
	c.waiters--
	c.mu.Unlock()
}

// drain is the single-consumer removal loop: pop the oldest request while
// its frame fits, serialize it, advance the read cursor. If producers race
// ahead it re-polls the published write index and keeps going rather than
// returning early.
func (c *Conn) drain(dst []byte) int {
	copied := 0
	for {
		rd := c.ring.read.Load()
		w := c.ring.consWrite
		progressed := false
		full := false
		for rd != w {
			req := c.ring.slots[rd]
			if int(req.In.Len) > len(dst)-copied {
				full = true
				break
			}
			c.ring.slots[rd] = nil
			rd = (rd + 1) & c.ring.mask
			progressed = true

			// A request aborted while still queued is already
			// completed; skip the husk.
			if !req.state.CompareAndSwap(StateQueued, StateInFlight) {
				continue
			}

			c.maybeRewriteZeroWrite(req)

			n, err := c.serializeRequest(dst[copied:], req)
			if err != nil {
				// Local copy failure: fail this request, keep the
				// channel call going.
				c.log.Error("request serialization failed",
					"unique", req.In.Unique, "error", err)
				c.failLocal(req, -int32(unix.EIO))
				continue
			}
			copied += n
		}
		c.ring.read.Store(rd)
		if progressed {
			c.obs.ObserveQueueDepth(c.ring.depth())
		}
		// Re-poll for requests that raced in while draining, but never
		// spin on a frame that does not fit.
		if !full && c.ring.pending() {
			continue
		}
		return copied
	}
}

// serializeRequest writes one frame: fixed header then the argument blob.
func (c *Conn) serializeRequest(dst []byte, req *Request) (int, error) {
	if err := proto.PutInHeader(dst, &req.In); err != nil {
		return 0, err
	}
	n := copy(dst[proto.InHeaderSize:], req.Arg)
	if n != len(req.Arg) {
		return 0, proto.ErrShortBuffer
	}
	return proto.InHeaderSize + n, nil
}

// maybeRewriteZeroWrite rewrites a write whose payload is provably all
// zero bytes into a discard, a storage-capacity optimization. Sync writes
// and payloads over the scan cutoff are left alone; the scan runs at most
// once per request.
func (c *Conn) maybeRewriteZeroWrite(req *Request) {
	if !c.params.DetectZeroWrites || req.zeroChecked {
		return
	}
	req.zeroChecked = true
	if req.In.Opcode != proto.OpWrite || req.Rdwr.Size == 0 {
		return
	}
	if req.Rdwr.Flags&proto.FlagSync != 0 {
		return
	}
	if max := c.params.ZeroScanMaxBytes; max > 0 && req.payloadLen() > max {
		return
	}
	if !segmentsZero(req.Segments) {
		return
	}
	req.In.Opcode = proto.OpDiscard
}

// segmentsZero scans the backing segments word-wise with a byte-wise
// remainder check.
func segmentsZero(segs []Segment) bool {
	for _, seg := range segs {
		b := seg.Bytes()
		n := len(b) &^ 7
		for i := 0; i < n; i += 8 {
			if binary.LittleEndian.Uint64(b[i:]) != 0 {
				return false
			}
		}
		for i := n; i < len(b); i++ {
			if b[i] != 0 {
				return false
			}
		}
	}
	return true
}

// WriteChannel processes one reply or notification frame from src. The
// frame begins with a fixed header whose Len must cover the whole buffer;
// a zero identifier designates a notification with the code in the status
// field. Returns the number of bytes consumed.
func (c *Conn) WriteChannel(src []byte, vecs VecSource) (int, error) {
	const op = "WRITE_CHANNEL"
	nbytes := len(src)
	if nbytes < proto.OutHeaderSize {
		c.obs.ObserveProtocolError()
		return 0, NewError(op, CodeBadHeader, "frame shorter than header")
	}
	var oh proto.OutHeader
	if err := proto.ParseOutHeader(src, &oh); err != nil {
		c.obs.ObserveProtocolError()
		return 0, NewError(op, CodeBadHeader, err.Error())
	}
	if int(oh.Len) != nbytes {
		c.obs.ObserveProtocolError()
		return 0, NewError(op, CodeBadHeader, "header length does not match frame")
	}

	payload := src[proto.OutHeaderSize:]

	if oh.Unique == 0 {
		if err := c.notify(oh.Status, payload, vecs); err != nil {
			return 0, err
		}
		c.obs.ObserveNotify(oh.Status)
		return nbytes, nil
	}

	if oh.Status > 0 || oh.Status <= constants.MinStatus {
		c.obs.ObserveProtocolError()
		return 0, NewRequestError(op, oh.Unique, CodeBadStatus, "reply status out of range")
	}

	req, err := c.table.find(op, oh.Unique)
	if err != nil {
		c.obs.ObserveProtocolError()
		c.log.Error("reply for unknown request", "unique", oh.Unique)
		return 0, err
	}
	if !req.finish(false) {
		// Lost the race with abort; the stale reply is rejected.
		return 0, NewRequestError(op, oh.Unique, CodeUnknownIdentifier, "request already completed")
	}
	req.Out = oh

	if req.In.Opcode == proto.OpRead && len(payload) > 0 {
		if err := fillSegments(req.Segments, payload); err != nil {
			// Transport fault: this request fails with an I/O error,
			// the connection stays live.
			req.Out.Status = -int32(unix.EIO)
			c.requestDone(req)
			e := NewRequestError(op, oh.Unique, CodeCopyFault, "short read payload")
			e.Inner = err
			return 0, e
		}
	}

	c.requestDone(req)
	c.obs.ObserveReply()
	return nbytes, nil
}

// fillSegments copies a reply payload into the request's backing segments
// in order, erroring when the payload runs out before the segments do.
func fillSegments(segs []Segment, payload []byte) error {
	off := 0
	for _, seg := range segs {
		b := seg.Bytes()
		n := copy(b, payload[off:])
		off += n
		if n < len(b) {
			return proto.ErrShortData
		}
	}
	return nil
}

// notify dispatches an out-of-band notification by code.
func (c *Conn) notify(code int32, payload []byte, vecs VecSource) error {
	const op = "NOTIFY"
	switch code {
	case proto.NotifyAdd:
		var add proto.AddOut
		if err := proto.ParseAddOut(payload, &add); err != nil {
			c.obs.ObserveProtocolError()
			return NewError(op, CodeBadHeader, err.Error())
		}
		return c.deviceEvent(DeviceEvent{
			Kind:       EventAdd,
			DevID:      add.DevID,
			QueueDepth: add.QueueDepth,
			Size:       add.Size,
		})
	case proto.NotifyRemove:
		var rm proto.RemoveOut
		if err := proto.ParseRemoveOut(payload, &rm); err != nil {
			c.obs.ObserveProtocolError()
			return NewError(op, CodeBadHeader, err.Error())
		}
		return c.deviceEvent(DeviceEvent{
			Kind:  EventRemove,
			DevID: rm.DevID,
			Force: rm.Force != 0,
		})
	case proto.NotifyUpdateSize:
		var us proto.UpdateSizeOut
		if err := proto.ParseUpdateSizeOut(payload, &us); err != nil {
			c.obs.ObserveProtocolError()
			return NewError(op, CodeBadHeader, err.Error())
		}
		return c.deviceEvent(DeviceEvent{
			Kind:  EventUpdateSize,
			DevID: us.DevID,
			Size:  us.Size,
		})
	case proto.NotifyReadData:
		return c.notifyReadData(payload, vecs)
	default:
		c.obs.ObserveProtocolError()
		return NewError(op, CodeBadNotify, "unrecognized notification code")
	}
}

// notifyReadData streams the payload of a previously submitted write
// request into caller-supplied destination buffers, starting at a byte
// offset within the payload. When the supplied buffers run out mid-stream
// it pulls continuation buffers from the source; a source with nothing
// left ends the copy early, which the daemon resumes with a further
// notification at a higher offset.
func (c *Conn) notifyReadData(payload []byte, vecs VecSource) error {
	const op = "READ_DATA"
	var rd proto.ReadDataOut
	if err := proto.ParseReadDataOut(payload, &rd); err != nil {
		c.obs.ObserveProtocolError()
		return NewError(op, CodeBadHeader, err.Error())
	}
	req, err := c.table.find(op, rd.Unique)
	if err != nil {
		c.obs.ObserveProtocolError()
		return err
	}
	if !proto.IsWrite(req.In.Opcode) {
		c.obs.ObserveProtocolError()
		return NewRequestError(op, rd.Unique, CodeBadHeader, "target request is not a write")
	}
	if vecs == nil || rd.VecCount == 0 {
		return NewRequestError(op, rd.Unique, CodeCopyFault, "no destination buffers")
	}

	w := &vecWriter{source: vecs, remaining: int(rd.VecCount)}
	skip := rd.Offset
	for _, seg := range req.Segments {
		b := seg.Bytes()
		if skip >= uint64(len(b)) {
			skip -= uint64(len(b))
			continue
		}
		b = b[skip:]
		skip = 0
		done, err := w.write(b)
		if err != nil {
			e := NewRequestError(op, rd.Unique, CodeCopyFault, "destination buffer pull failed")
			e.Inner = err
			return e
		}
		if done {
			// Out of destination space; partial copies are resumed by
			// the daemon at a higher offset.
			return nil
		}
	}
	return nil
}

// vecWriter streams bytes across a sequence of destination buffers pulled
// lazily from a VecSource.
type vecWriter struct {
	source    VecSource
	remaining int // descriptors the source may still supply
	vecs      [][]byte
	exhausted bool
}

// write copies p into the destination stream. It returns done=true when
// the destination space is exhausted before p is fully copied.
func (w *vecWriter) write(p []byte) (done bool, err error) {
	for len(p) > 0 {
		for len(w.vecs) > 0 && len(w.vecs[0]) == 0 {
			w.vecs = w.vecs[1:]
		}
		if len(w.vecs) == 0 {
			if w.exhausted {
				return true, nil
			}
			if err := w.pull(); err != nil {
				return false, err
			}
			continue
		}
		n := copy(w.vecs[0], p)
		w.vecs[0] = w.vecs[0][n:]
		p = p[n:]
	}
	return false, nil
}

func (w *vecWriter) pull() error {
	if w.remaining == 0 {
		w.exhausted = true
		return nil
	}
	max := w.remaining
	if max > constants.ReadDataMaxVecs {
		max = constants.ReadDataMaxVecs
	}
	vecs, err := w.source(max)
	if err != nil {
		return err
	}
	if len(vecs) == 0 {
		w.exhausted = true
		return nil
	}
	if len(vecs) > max {
		vecs = vecs[:max]
	}
	w.remaining -= len(vecs)
	w.vecs = vecs
	return nil
}
