// Package vbd implements the request transport for virtual block devices:
// a bounded pending queue, identifier allocation, and the channel protocol
// that carries requests to a userspace daemon and replies back.
package vbd

import (
	"context"

	"github.com/behrlich/go-vbd/internal/constants"
	"github.com/behrlich/go-vbd/internal/logging"
	"github.com/behrlich/go-vbd/internal/proto"
	"github.com/behrlich/go-vbd/internal/queue"
)

// Request operation codes.
const (
	OpRead      = proto.OpRead
	OpWrite     = proto.OpWrite
	OpDiscard   = proto.OpDiscard
	OpFlush     = proto.OpFlush
	OpWriteSame = proto.OpWriteSame
)

// FlagSync marks a write that must reach stable storage; sync writes are
// never rewritten to discards.
const FlagSync = proto.FlagSync

// DefaultMaxOutstanding is the default bound on in-flight requests.
const DefaultMaxOutstanding = constants.DefaultMaxOutstanding

// Re-exported engine types.
type (
	Request      = queue.Request
	Segment      = queue.Segment
	CompleteFunc = queue.CompleteFunc
	Params       = queue.Params
	Observer     = queue.Observer
	NoOpObserver = queue.NoOpObserver
	DeviceEvent  = queue.DeviceEvent
	EventKind    = queue.EventKind
	VecSource    = queue.VecSource
)

// Device event kinds delivered through notifications.
const (
	EventAdd        = queue.EventAdd
	EventRemove     = queue.EventRemove
	EventUpdateSize = queue.EventUpdateSize
)

// SegmentsFor splits data into page-sized segments.
func SegmentsFor(data []byte, pageSize int) []Segment {
	return queue.SegmentsFor(data, pageSize)
}

// Options configures the optional surfaces of a connection.
type Options struct {
	// Logger overrides the default structured logger.
	Logger *logging.Logger

	// Observer replaces the built-in metrics collection. When nil the
	// connection records into its own Metrics, available via Metrics().
	Observer Observer

	// OnDeviceEvent receives device management notifications. When nil
	// events are logged and dropped.
	OnDeviceEvent func(DeviceEvent) error

	// Release runs when the last reference to the connection is dropped.
	Release func()
}

// Connection is a single kernel-side transport endpoint: requests are
// submitted on one side and drained over the channel by a daemon on the
// other.
type Connection struct {
	conn    *queue.Conn
	metrics *Metrics
}

// Open creates a connection with the given parameters. Zero-valued params
// fields fall back to defaults.
func Open(params Params, opts *Options) *Connection {
	if opts == nil {
		opts = &Options{}
	}
	metrics := NewMetrics()
	obs := opts.Observer
	if obs == nil {
		obs = NewMetricsObserver(metrics)
	}
	c := &Connection{metrics: metrics}
	c.conn = queue.NewConn(queue.Config{
		Params:        params,
		Logger:        opts.Logger,
		Observer:      obs,
		OnDeviceEvent: opts.OnDeviceEvent,
		Release:       opts.Release,
	})
	return c
}

// Metrics returns the connection's built-in metrics. Counters stay zero
// when a custom Observer was installed at Open.
func (c *Connection) Metrics() *Metrics {
	return c.metrics
}

// Connected reports connection liveness.
func (c *Connection) Connected() bool {
	return c.conn.Connected()
}

// IdentSpace returns the size of the identifier space.
func (c *Connection) IdentSpace() uint64 {
	return c.conn.IdentSpace()
}

// FreeIdentifiers returns the number of identifiers currently available.
func (c *Connection) FreeIdentifiers() int {
	return c.conn.FreeIdentifiers()
}

// QueueDepth returns the number of requests queued but not yet drained.
func (c *Connection) QueueDepth() uint32 {
	return c.conn.QueueDepth()
}

// Ref takes an additional reference on the connection.
func (c *Connection) Ref() {
	c.conn.Ref()
}

// Unref drops a reference; the release callback runs when the count
// reaches zero.
func (c *Connection) Unref() {
	c.conn.Unref()
}

// SubmitRead submits a read of len(segments) worth of bytes at offset on
// the given device. The end callback fires exactly once on completion.
func (c *Connection) SubmitRead(devID uint32, offset uint64, segs []Segment, end CompleteFunc) (*Request, error) {
	rdwr := &proto.RdwrIn{
		DevID:  devID,
		Size:   segmentBytes(segs),
		Offset: offset,
	}
	req := c.conn.NewRequest(proto.OpRead, rdwr, segs, end)
	if err := c.conn.Submit(req); err != nil {
		return nil, err
	}
	return req, nil
}

// SubmitWrite submits a write of the segment contents at offset. Pass
// FlagSync in flags for writes that must not be elided.
func (c *Connection) SubmitWrite(devID uint32, offset uint64, flags uint32, segs []Segment, end CompleteFunc) (*Request, error) {
	rdwr := &proto.RdwrIn{
		DevID:  devID,
		Size:   segmentBytes(segs),
		Flags:  flags,
		Offset: offset,
	}
	req := c.conn.NewRequest(proto.OpWrite, rdwr, segs, end)
	if err := c.conn.Submit(req); err != nil {
		return nil, err
	}
	return req, nil
}

// SubmitDiscard submits a discard of length bytes at offset.
func (c *Connection) SubmitDiscard(devID uint32, offset uint64, length uint32, end CompleteFunc) (*Request, error) {
	rdwr := &proto.RdwrIn{
		DevID:  devID,
		Size:   length,
		Offset: offset,
	}
	req := c.conn.NewRequest(proto.OpDiscard, rdwr, nil, end)
	if err := c.conn.Submit(req); err != nil {
		return nil, err
	}
	return req, nil
}

// SubmitFlush submits a cache flush for the device.
func (c *Connection) SubmitFlush(devID uint32, end CompleteFunc) (*Request, error) {
	rdwr := &proto.RdwrIn{DevID: devID}
	req := c.conn.NewRequest(proto.OpFlush, rdwr, nil, end)
	if err := c.conn.Submit(req); err != nil {
		return nil, err
	}
	return req, nil
}

// ReadRequests drains pending requests into dst; see the channel protocol
// for framing. With block true it waits for work, honoring ctx.
func (c *Connection) ReadRequests(ctx context.Context, dst []byte, block bool) (int, error) {
	return c.conn.ReadRequests(ctx, dst, block)
}

// WriteChannel feeds one reply or notification frame to the connection.
// vecs supplies destination buffers for read-data notifications and may be
// nil otherwise.
func (c *Connection) WriteChannel(src []byte, vecs VecSource) (int, error) {
	return c.conn.WriteChannel(src, vecs)
}

// Poll reports channel readiness: readable when requests are pending,
// errored when the connection is down. The channel is always writable.
func (c *Connection) Poll() (readable, errored bool) {
	return c.conn.Poll()
}

// Abort tears down the connection and completes every outstanding request
// with a connection-aborted status. Safe to call more than once; returns
// the number of requests drained.
func (c *Connection) Abort() int {
	return c.conn.Abort()
}

// Reconnect restores liveness after an abort, letting queued work flow to
// a new daemon. Returns false when the connection was already live.
func (c *Connection) Reconnect() bool {
	return c.conn.Reconnect()
}

// Restart requeues requests that were handed to a now-departed consumer so
// a replacement sees them again, ahead of anything still pending. Returns
// the number requeued.
func (c *Connection) Restart() int {
	return c.conn.Restart()
}

// Close aborts the connection and drops the caller's reference.
func (c *Connection) Close() {
	c.metrics.Stop()
	c.conn.Close()
}

func segmentBytes(segs []Segment) uint32 {
	total := 0
	for _, s := range segs {
		total += s.Len
	}
	return uint32(total)
}
