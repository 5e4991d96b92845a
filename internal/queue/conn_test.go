package queue

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-vbd/internal/logging"
	"github.com/behrlich/go-vbd/internal/proto"
)

const frameSize = proto.InHeaderSize + proto.RdwrInSize

func quietLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:   logging.LevelError,
		Output:  io.Discard,
		Sync:    true,
		NoColor: true,
	})
}

func newTestConn(params Params) *Conn {
	return NewConn(Config{Params: params, Logger: quietLogger()})
}

// submitRead queues a read request of size bytes and returns it along with
// a channel that yields the final status.
func submitRead(t *testing.T, c *Conn, size int) (*Request, chan int32) {
	t.Helper()
	done := make(chan int32, 1)
	data := make([]byte, size)
	req := c.NewRequest(proto.OpRead,
		&proto.RdwrIn{DevID: 1, Size: uint32(size)},
		SegmentsFor(data, 4096),
		func(r *Request) { done <- r.Status() })
	if err := c.Submit(req); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return req, done
}

func TestSubmitDrainReply(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 8})
	defer c.Close()

	req, done := submitRead(t, c, 8)
	if req.In.Unique == 0 {
		t.Fatal("submitted request has the reserved zero identifier")
	}
	if got := c.QueueDepth(); got != 1 {
		t.Errorf("expected queue depth 1, got %d", got)
	}

	buf := make([]byte, 4096)
	n, err := c.ReadRequests(context.Background(), buf, false)
	if err != nil {
		t.Fatalf("read channel failed: %v", err)
	}
	if n != frameSize {
		t.Fatalf("expected %d byte frame, got %d", frameSize, n)
	}

	var hdr proto.InHeader
	if err := proto.ParseInHeader(buf, &hdr); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if hdr.Opcode != proto.OpRead || hdr.Unique != req.In.Unique {
		t.Errorf("frame header mismatch: opcode=%d unique=%d", hdr.Opcode, hdr.Unique)
	}
	if req.State() != StateInFlight {
		t.Errorf("expected in-flight state after drain, got %d", req.State())
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	frame := proto.AppendReply(nil, hdr.Unique, 0, payload)
	if _, err := c.WriteChannel(frame, nil); err != nil {
		t.Fatalf("reply failed: %v", err)
	}

	select {
	case status := <-done:
		if status != 0 {
			t.Errorf("expected status 0, got %d", status)
		}
	default:
		t.Fatal("completion callback did not run")
	}
	for i, b := range req.Segments[0].Bytes() {
		if b != payload[i] {
			t.Fatalf("read payload byte %d: expected %d, got %d", i, payload[i], b)
		}
	}
	if got, want := c.FreeIdentifiers(), int(c.IdentSpace()); got != want {
		t.Errorf("expected %d free identifiers after completion, got %d", want, got)
	}
}

func TestSubmitAfterAbort(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 4})
	c.Abort()

	req := c.NewRequest(proto.OpFlush, &proto.RdwrIn{DevID: 1}, nil, nil)
	err := c.Submit(req)
	if !IsCode(err, CodeNotConnected) {
		t.Errorf("expected not-connected error, got %v", err)
	}
}

func TestSubmitDisconnectedAllowed(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 4, AllowDisconnected: true})
	c.Abort()

	_, done := submitRead(t, c, 8)
	select {
	case <-done:
		t.Fatal("request completed without a consumer")
	default:
	}
	if got := c.QueueDepth(); got != 1 {
		t.Errorf("expected queued request while disconnected, got depth %d", got)
	}
}

func TestReconnectDeliversQueuedRequests(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 8, AllowDisconnected: true})
	defer c.Close()

	c.Abort()
	req, done := submitRead(t, c, 8)

	buf := make([]byte, 4096)
	if _, err := c.ReadRequests(context.Background(), buf, false); !IsCode(err, CodeNotConnected) {
		t.Fatalf("expected not-connected error while down, got %v", err)
	}

	if !c.Reconnect() {
		t.Fatal("reconnect reported the connection as already live")
	}
	if c.Reconnect() {
		t.Error("second reconnect reported a liveness change")
	}

	n, err := c.ReadRequests(context.Background(), buf, false)
	if err != nil {
		t.Fatalf("read channel after reconnect failed: %v", err)
	}
	if n != frameSize {
		t.Fatalf("expected %d byte frame after reconnect, got %d", frameSize, n)
	}
	var hdr proto.InHeader
	if err := proto.ParseInHeader(buf, &hdr); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if hdr.Unique != req.In.Unique {
		t.Errorf("expected unique %d, got %d", req.In.Unique, hdr.Unique)
	}

	frame := proto.AppendReply(nil, hdr.Unique, 0, make([]byte, 8))
	if _, err := c.WriteChannel(frame, nil); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	select {
	case status := <-done:
		if status != 0 {
			t.Errorf("expected status 0, got %d", status)
		}
	default:
		t.Fatal("request queued while disconnected never completed")
	}
	if got, want := c.FreeIdentifiers(), int(c.IdentSpace()); got != want {
		t.Errorf("expected %d free identifiers, got %d", want, got)
	}
}

func TestAbortSweepsDisconnectedSubmissions(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 8, AllowDisconnected: true})
	c.Abort()

	_, done := submitRead(t, c, 8)
	if n := c.Abort(); n != 1 {
		t.Fatalf("expected the sweep to complete 1 request, got %d", n)
	}
	select {
	case status := <-done:
		if status != -int32(unix.ECONNABORTED) {
			t.Errorf("expected ECONNABORTED status, got %d", status)
		}
	default:
		t.Fatal("request submitted while disconnected was never completed")
	}
	if got, want := c.FreeIdentifiers(), int(c.IdentSpace()); got != want {
		t.Errorf("expected %d free identifiers after sweep, got %d", want, got)
	}
}

func TestSubmitAbortRace(t *testing.T) {
	for iter := 0; iter < 200; iter++ {
		c := newTestConn(Params{MaxOutstanding: 8})

		var completed, accepted atomic.Int32
		var reqs [8]*Request
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				req := c.NewRequest(proto.OpFlush, &proto.RdwrIn{DevID: 1}, nil,
					func(*Request) { completed.Add(1) })
				reqs[i] = req
				if err := c.Submit(req); err == nil {
					accepted.Add(1)
				}
			}(i)
		}
		close(start)
		c.Abort()
		wg.Wait()

		// Every accepted submission must have reached a terminal state
		// exactly once, whether the abort or the submit won the race.
		if got, want := completed.Load(), accepted.Load(); got != want {
			t.Fatalf("iteration %d: %d completions for %d accepted submissions", iter, got, want)
		}
		for i, req := range reqs {
			if req == nil {
				continue
			}
			if s := req.State(); s == StateQueued || s == StateInFlight {
				t.Fatalf("iteration %d: request %d stranded in state %d", iter, i, s)
			}
		}
		if got, want := c.FreeIdentifiers(), int(c.IdentSpace()); got != want {
			t.Fatalf("iteration %d: expected %d free identifiers, got %d", iter, want, got)
		}
	}
}

func TestAbortCompletesOutstanding(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 8})

	var chans []chan int32
	for i := 0; i < 3; i++ {
		_, done := submitRead(t, c, 8)
		chans = append(chans, done)
	}

	// Drain one so the table holds a mix of queued and in-flight requests
	buf := make([]byte, frameSize)
	if _, err := c.ReadRequests(context.Background(), buf, false); err != nil {
		t.Fatalf("read channel failed: %v", err)
	}

	if n := c.Abort(); n != 3 {
		t.Errorf("expected 3 aborted requests, got %d", n)
	}
	for i, done := range chans {
		select {
		case status := <-done:
			if status != -int32(unix.ECONNABORTED) {
				t.Errorf("request %d: expected ECONNABORTED status, got %d", i, status)
			}
		default:
			t.Errorf("request %d: not completed by abort", i)
		}
	}

	// Abort is idempotent
	if n := c.Abort(); n != 0 {
		t.Errorf("second abort completed %d requests", n)
	}
	if got, want := c.FreeIdentifiers(), int(c.IdentSpace()); got != want {
		t.Errorf("expected %d free identifiers after abort, got %d", want, got)
	}
}

func TestOutOfIdentifiers(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 4})
	defer c.Close()

	space := int(c.IdentSpace())
	for i := 0; i < space; i++ {
		submitRead(t, c, 8)
	}
	req := c.NewRequest(proto.OpFlush, &proto.RdwrIn{DevID: 1}, nil, nil)
	err := c.Submit(req)
	if !IsCode(err, CodeOutOfIdentifiers) {
		t.Errorf("expected out-of-identifiers error, got %v", err)
	}
}

func TestRestartRedelivery(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 8})
	defer c.Close()

	var reqs []*Request
	for i := 0; i < 3; i++ {
		req, _ := submitRead(t, c, 8)
		reqs = append(reqs, req)
	}

	// Buffer holds exactly two frames: requests 1 and 2 go in flight,
	// request 3 stays queued.
	buf := make([]byte, 2*frameSize)
	n, err := c.ReadRequests(context.Background(), buf, false)
	if err != nil {
		t.Fatalf("read channel failed: %v", err)
	}
	if n != 2*frameSize {
		t.Fatalf("expected two frames, got %d bytes", n)
	}

	// The consumer vanishes without replying
	if got := c.Restart(); got != 2 {
		t.Fatalf("expected 2 redelivered requests, got %d", got)
	}

	// A replacement consumer sees all three, oldest first
	big := make([]byte, 8*frameSize)
	n, err = c.ReadRequests(context.Background(), big, false)
	if err != nil {
		t.Fatalf("read channel after restart failed: %v", err)
	}
	if n != 3*frameSize {
		t.Fatalf("expected three frames after restart, got %d bytes", n)
	}
	for i, req := range reqs {
		var hdr proto.InHeader
		if err := proto.ParseInHeader(big[i*frameSize:], &hdr); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if hdr.Unique != req.In.Unique {
			t.Errorf("frame %d: expected unique %d, got %d", i, req.In.Unique, hdr.Unique)
		}
	}
}

func TestRestartEmptyTable(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 4})
	defer c.Close()

	if got := c.Restart(); got != 0 {
		t.Errorf("expected nothing to redeliver, got %d", got)
	}
}

func TestPollReadiness(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 4})

	if readable, errored := c.Poll(); readable || errored {
		t.Errorf("fresh connection: readable=%v errored=%v", readable, errored)
	}

	submitRead(t, c, 8)
	if readable, errored := c.Poll(); !readable || errored {
		t.Errorf("pending request: readable=%v errored=%v", readable, errored)
	}

	c.Abort()
	if _, errored := c.Poll(); !errored {
		t.Error("aborted connection should poll errored")
	}
}

func TestBlockingReadWakeup(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 4})
	defer c.Close()

	type result struct {
		n   int
		err error
	}
	got := make(chan result, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := c.ReadRequests(context.Background(), buf, true)
		got <- result{n, err}
	}()

	// Give the reader time to block, then wake it with a submission
	time.Sleep(10 * time.Millisecond)
	submitRead(t, c, 8)

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("blocking read failed: %v", r.err)
		}
		if r.n != frameSize {
			t.Errorf("expected one frame, got %d bytes", r.n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking read never woke up")
	}
}

func TestBlockingReadObservesAbort(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 4})

	got := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		_, err := c.ReadRequests(context.Background(), buf, true)
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Abort()

	select {
	case err := <-got:
		if !IsCode(err, CodeNotConnected) {
			t.Errorf("expected not-connected error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader did not observe the abort")
	}
}

func TestBlockingReadInterrupted(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 4})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		_, err := c.ReadRequests(ctx, buf, true)
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-got:
		if !IsCode(err, CodeInterrupted) {
			t.Errorf("expected interrupted error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader did not observe cancellation")
	}
}

func TestNonblockingReadNoData(t *testing.T) {
	c := newTestConn(Params{MaxOutstanding: 4})
	defer c.Close()

	buf := make([]byte, 4096)
	_, err := c.ReadRequests(context.Background(), buf, false)
	if !IsCode(err, CodeNoData) {
		t.Errorf("expected no-data error, got %v", err)
	}
}

func TestRefCounting(t *testing.T) {
	released := false
	c := NewConn(Config{
		Params:  Params{MaxOutstanding: 4},
		Logger:  quietLogger(),
		Release: func() { released = true },
	})

	c.Ref()
	c.Close()
	if released {
		t.Fatal("release ran with a reference still held")
	}
	c.Unref()
	if !released {
		t.Error("release did not run when the last reference dropped")
	}
}

func BenchmarkSubmitDrainReply(b *testing.B) {
	c := newTestConn(Params{MaxOutstanding: 64})
	defer c.Close()

	data := make([]byte, 4096)
	segs := SegmentsFor(data, 4096)
	buf := make([]byte, 4096)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := c.NewRequest(proto.OpRead,
			&proto.RdwrIn{DevID: 1, Size: 4096}, segs, nil)
		if err := c.Submit(req); err != nil {
			b.Fatalf("submit failed: %v", err)
		}
		if _, err := c.ReadRequests(ctx, buf, false); err != nil {
			b.Fatalf("read channel failed: %v", err)
		}
		frame := proto.AppendReply(nil, req.In.Unique, 0, data)
		if _, err := c.WriteChannel(frame, nil); err != nil {
			b.Fatalf("reply failed: %v", err)
		}
	}
}
