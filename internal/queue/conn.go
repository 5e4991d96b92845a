package queue

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-vbd/internal/constants"
	"github.com/behrlich/go-vbd/internal/logging"
	"github.com/behrlich/go-vbd/internal/proto"
)

// EventKind identifies a device-lifecycle notification.
type EventKind int

const (
	EventAdd EventKind = iota + 1
	EventRemove
	EventUpdateSize
)

// DeviceEvent is a decoded device-lifecycle notification surfaced to the
// connection owner.
type DeviceEvent struct {
	Kind       EventKind
	DevID      uint32
	QueueDepth uint32
	Size       uint64
	Force      bool
}

// Params sizes and tunes a connection.
type Params struct {
	// MaxOutstanding is the admission limit callers promise to respect.
	// The identifier space and pending ring are derived from it.
	MaxOutstanding int

	// AllowDisconnected lets submissions proceed while the daemon is
	// away; they queue up and are delivered after reconnect, or fail
	// with a connection-closed status if enqueueing is impossible.
	AllowDisconnected bool

	// DetectZeroWrites enables the zero-payload write to discard rewrite
	// on the delivery path.
	DetectZeroWrites bool

	// ZeroScanMaxBytes caps the payload size eligible for the zero scan.
	// Zero selects the default cap; negative disables the cap. Ignored
	// unless DetectZeroWrites is set.
	ZeroScanMaxBytes int

	// Shards is the number of identifier cache shards. Defaults to a
	// small fixed fan-out when zero.
	Shards int
}

// Config carries the collaborators a connection needs.
type Config struct {
	Params   Params
	Logger   *logging.Logger
	Observer Observer

	// OnDeviceEvent receives add/remove/update-size notifications. May be
	// nil, in which case events are logged and dropped.
	OnDeviceEvent func(DeviceEvent) error

	// Release runs when the last reference to the connection drops.
	Release func()
}

// Conn is one channel instance pairing the block-device front end with a
// daemon process. It owns the pending ring, the request table and the
// identifier space, and tracks liveness.
type Conn struct {
	params Params
	log    *logging.Logger
	obs    Observer

	mu        sync.Mutex
	connected bool
	waiters   int
	notifyCh  chan struct{}

	refs    atomic.Int64
	release func()

	ids   *identAllocator
	table *requestTable
	ring  *pendingRing

	onDevice func(DeviceEvent) error

	uid, gid, pid uint32
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// NewConn creates a connected Conn holding one reference for the caller.
func NewConn(cfg Config) *Conn {
	p := cfg.Params
	if p.MaxOutstanding <= 0 {
		p.MaxOutstanding = constants.DefaultMaxOutstanding
	}
	if p.Shards <= 0 {
		p.Shards = 4
	}
	if p.ZeroScanMaxBytes == 0 {
		p.ZeroScanMaxBytes = constants.ZeroScanMaxBytes
	}
	space := nextPow2(uint64(p.MaxOutstanding) * constants.IdentSpaceFactor)
	ringSize := uint32(space) * constants.QueueSizeFactor

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NoOpObserver{}
	}

	c := &Conn{
		params:    p,
		log:       log,
		obs:       obs,
		connected: true,
		notifyCh:  make(chan struct{}),
		release:   cfg.Release,
		ids:       newIdentAllocator(space, p.Shards),
		table:     newRequestTable(space),
		ring:      newPendingRing(ringSize),
		onDevice:  cfg.OnDeviceEvent,
		uid:       uint32(os.Getuid()),
		gid:       uint32(os.Getgid()),
		pid:       uint32(os.Getpid()),
	}
	c.refs.Store(1)
	return c
}

// Ref takes an additional reference.
func (c *Conn) Ref() *Conn {
	c.refs.Add(1)
	return c
}

// Unref drops a reference, running the release callback when the count
// reaches zero.
func (c *Conn) Unref() {
	if c.refs.Add(-1) == 0 && c.release != nil {
		c.release()
	}
}

// Connected reports liveness.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	ok := c.connected
	c.mu.Unlock()
	return ok
}

// IdentSpace returns the size of the identifier space.
func (c *Conn) IdentSpace() uint64 {
	return c.ids.space
}

// FreeIdentifiers returns how many identifiers are currently free.
// Intended for diagnostics and tests.
func (c *Conn) FreeIdentifiers() int {
	return c.ids.freeCount()
}

// QueueDepth returns the number of requests sitting in the pending ring.
func (c *Conn) QueueDepth() uint32 {
	return c.ring.depth()
}

// NewRequest allocates a request, stamps its credentials, and encodes the
// rdwr argument blob. The request is not yet submitted.
func (c *Conn) NewRequest(opcode uint32, rdwr *proto.RdwrIn, segs []Segment, end CompleteFunc) *Request {
	req := &Request{
		Segments: segs,
		end:      end,
	}
	req.In.Opcode = opcode
	req.In.UID = c.uid
	req.In.GID = c.gid
	req.In.PID = c.pid
	if rdwr != nil {
		req.Rdwr = *rdwr
		req.Arg = proto.MarshalRdwrIn(rdwr)
	}
	return req
}

// Submit assigns an identifier and a place in the pending ring and wakes
// the consumer. It fails fast with a not-connected error when the daemon
// is gone and disconnected submission is not permitted, and with an
// out-of-identifiers error when the caller overran the admission limit.
func (c *Conn) Submit(req *Request) error {
	c.mu.Lock()
	live := c.connected
	c.mu.Unlock()
	if !live && !c.params.AllowDisconnected {
		return NewError("SUBMIT", CodeNotConnected, "connection is down")
	}

	unique, ok := c.ids.acquire()
	if !ok {
		return NewError("SUBMIT", CodeOutOfIdentifiers, "admission limit exceeded")
	}
	req.In.Unique = unique
	req.In.Len = uint32(proto.InHeaderSize + len(req.Arg))
	req.submitted = time.Now()
	c.table.store(req)

	c.mu.Lock()
	if !c.connected && !c.params.AllowDisconnected {
		c.mu.Unlock()
		// Lost the connection between the precheck and registration.
		c.failLocal(req, -int32(unix.ENOTCONN))
		return nil
	}
	c.mu.Unlock()

	if !req.state.CompareAndSwap(StatePending, StateQueued) {
		// An abort raced in after registration and already completed
		// this request; the callback carried the aborted status.
		return nil
	}
	c.ring.enqueue(req)
	c.obs.ObserveSubmit(req.In.Opcode)
	c.obs.ObserveQueueDepth(c.ring.depth())
	c.wakeup()
	return nil
}

// wakeup signals the consumer that the pending ring changed. The notify
// channel is only cycled when someone is actually waiting.
func (c *Conn) wakeup() {
	c.mu.Lock()
	if c.waiters > 0 {
		close(c.notifyCh)
		c.notifyCh = make(chan struct{})
	}
	c.mu.Unlock()
}

// requestDone runs the completion tail for a request whose terminal
// transition already happened: fire the callback, release the identifier,
// clear the table slot. The sole deallocation point.
func (c *Conn) requestDone(req *Request) {
	unique := req.In.Unique
	if req.end != nil {
		req.end(req)
	}
	var latency time.Duration
	if !req.submitted.IsZero() {
		latency = time.Since(req.submitted)
	}
	c.obs.ObserveComplete(req.In.Opcode, req.Out.Status, latency)
	c.table.clear(unique)
	c.ids.release(unique)
}

// failLocal completes a request with a local error status, if nothing
// already completed it.
func (c *Conn) failLocal(req *Request, status int32) bool {
	if !req.finish(false) {
		return false
	}
	req.Out.Len = proto.OutHeaderSize
	req.Out.Unique = req.In.Unique
	req.Out.Status = status
	c.requestDone(req)
	return true
}

// Abort flips liveness off and completes every request still in the table
// with a connection-aborted status. Bounded-time cleanup regardless of
// queue position. Safe to call repeatedly; later calls sweep requests that
// disconnected submission registered in the meantime. Returns the number
// of requests newly completed.
func (c *Conn) Abort() int {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	victims := c.table.collect()
	n := 0
	for _, req := range victims {
		if !req.finish(true) {
			continue
		}
		req.Out.Len = proto.OutHeaderSize
		req.Out.Unique = req.In.Unique
		req.Out.Status = -int32(unix.ECONNABORTED)
		c.requestDone(req)
		n++
	}
	c.wakeAll()
	if n > 0 {
		c.log.Info("connection aborted", "completed", n)
	}
	return n
}

// wakeAll wakes every waiter regardless of registration, used on liveness
// transitions so blocked readers observe the disconnect.
func (c *Conn) wakeAll() {
	c.mu.Lock()
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
	c.mu.Unlock()
}

// Close marks the connection disconnected, drains outstanding requests
// with a connection-aborted status, and drops the caller's reference.
func (c *Conn) Close() {
	c.Abort()
	c.Unref()
}

// Reconnect restores liveness after a disconnect, the channel-side
// equivalent of a daemon reopening its end. Requests queued while the
// connection was down flow to the next reader; callers that replaced the
// consumer should follow up with Restart to reclaim in-flight requests.
// Returns false when the connection was already live.
func (c *Conn) Reconnect() bool {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return false
	}
	c.connected = true
	c.mu.Unlock()

	c.log.Info("connection reopened", "queued", c.ring.depth())
	c.wakeAll()
	return true
}

// Restart redelivers every request that was handed to a now-replaced
// consumer but never got a reply, ahead of whatever is still queued and in
// original submission order. Must only run while the consumer is
// quiescent. Returns the number of redelivered requests.
func (c *Conn) Restart() int {
	cutoff := c.ring.cutoff()

	var resend []*Request
	for _, req := range c.table.collect() {
		if req.State() != StateInFlight {
			continue
		}
		if req.sequence < cutoff {
			resend = append(resend, req)
		}
	}
	sort.Slice(resend, func(i, j int) bool {
		return resend[i].sequence < resend[j].sequence
	})
	for _, req := range resend {
		req.state.Store(StateQueued)
	}
	c.ring.pushFront(resend)

	c.log.Info("restarting requests",
		"redelivered", len(resend), "cutoff", cutoff)
	c.obs.ObserveRestart(len(resend))
	c.wakeAll()
	return len(resend)
}

// Poll reports channel readiness: readable when requests are pending,
// errored when the connection is down. The write direction is always
// ready and not reported.
func (c *Conn) Poll() (readable, errored bool) {
	c.mu.Lock()
	live := c.connected
	c.mu.Unlock()
	if !live {
		return false, true
	}
	return c.ring.pending(), false
}

// deviceEvent hands a decoded notification to the owner's hook.
func (c *Conn) deviceEvent(ev DeviceEvent) error {
	if c.onDevice == nil {
		c.log.Debug("device event dropped, no handler",
			"kind", int(ev.Kind), "dev", ev.DevID)
		return nil
	}
	return c.onDevice(ev)
}
