// Package daemon implements the userspace half of the block transport: it
// drains requests from a connection, services them against a backend, and
// writes replies and device notifications back over the channel.
package daemon

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	vbd "github.com/behrlich/go-vbd"
	"github.com/behrlich/go-vbd/internal/constants"
	"github.com/behrlich/go-vbd/internal/logging"
	"github.com/behrlich/go-vbd/internal/proto"
)

// Backend is the storage a daemon services requests against.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Discard(offset, length int64) error
	Size() int64
	Close() error
}

// Config configures a daemon.
type Config struct {
	Conn *vbd.Connection

	// Workers is the number of concurrent service goroutines. Defaults
	// to 4.
	Workers int

	// ReadBufferSize is the drain buffer size in bytes. Defaults to
	// 64KB.
	ReadBufferSize int

	// WriteChunkSize caps the destination buffers offered per pull when
	// fetching write payloads. Defaults to 32KB.
	WriteChunkSize int

	Logger *logging.Logger
}

// request is one decoded frame handed to a worker.
type request struct {
	hdr  proto.InHeader
	rdwr proto.RdwrIn
}

// Daemon services block requests from a connection against registered
// backends, one per device ID.
type Daemon struct {
	conn      *vbd.Connection
	workers   int
	readBuf   int
	chunkSize int
	log       *logging.Logger

	mu       sync.RWMutex
	backends map[uint32]Backend

	cancel context.CancelFunc
	g      *errgroup.Group
}

// New creates a daemon for the given connection. Call AddDevice before
// Run to register storage.
func New(cfg Config) *Daemon {
	d := &Daemon{
		conn:      cfg.Conn,
		workers:   cfg.Workers,
		readBuf:   cfg.ReadBufferSize,
		chunkSize: cfg.WriteChunkSize,
		log:       cfg.Logger,
		backends:  make(map[uint32]Backend),
	}
	if d.workers <= 0 {
		d.workers = 4
	}
	if d.readBuf <= 0 {
		d.readBuf = constants.DefaultReadBufferSize
	}
	if d.chunkSize <= 0 {
		d.chunkSize = 32 * 1024
	}
	if d.log == nil {
		d.log = logging.Default()
	}
	return d
}

// AddDevice registers a backend for devID and announces the device over
// the channel.
func (d *Daemon) AddDevice(devID uint32, queueDepth uint32, b Backend) error {
	d.mu.Lock()
	d.backends[devID] = b
	d.mu.Unlock()

	payload := make([]byte, proto.AddOutSize)
	proto.PutAddOut(payload, &proto.AddOut{
		DevID:      devID,
		QueueDepth: queueDepth,
		Size:       uint64(b.Size()),
	})
	_, err := d.conn.WriteChannel(proto.AppendNotify(nil, proto.NotifyAdd, payload), nil)
	return err
}

// RemoveDevice deregisters a backend and announces the removal.
func (d *Daemon) RemoveDevice(devID uint32, force bool) error {
	d.mu.Lock()
	b := d.backends[devID]
	delete(d.backends, devID)
	d.mu.Unlock()

	if b != nil {
		if err := b.Close(); err != nil {
			d.log.Warn("backend close failed", "device_id", devID, "error", err)
		}
	}

	payload := make([]byte, proto.RemoveOutSize)
	var f uint32
	if force {
		f = 1
	}
	proto.PutRemoveOut(payload, &proto.RemoveOut{DevID: devID, Force: f})
	_, err := d.conn.WriteChannel(proto.AppendNotify(nil, proto.NotifyRemove, payload), nil)
	return err
}

// UpdateSize announces a new device size over the channel.
func (d *Daemon) UpdateSize(devID uint32, size uint64) error {
	payload := make([]byte, proto.UpdateSizeSize)
	proto.PutUpdateSizeOut(payload, &proto.UpdateSizeOut{DevID: devID, Size: size})
	_, err := d.conn.WriteChannel(proto.AppendNotify(nil, proto.NotifyUpdateSize, payload), nil)
	return err
}

func (d *Daemon) backend(devID uint32) Backend {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.backends[devID]
}

// Run drains and services requests until ctx is canceled or the
// connection goes down. One goroutine drains the channel; cfg.Workers
// goroutines service the decoded requests.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	d.g = g
	work := make(chan request, d.workers*2)

	g.Go(func() error {
		defer close(work)
		return d.drainLoop(ctx, work)
	})
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for req := range work {
				d.service(req)
			}
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels a running daemon.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// drainLoop reads request frames off the channel and decodes them.
func (d *Daemon) drainLoop(ctx context.Context, work chan<- request) error {
	buf := make([]byte, d.readBuf)
	for {
		n, err := d.conn.ReadRequests(ctx, buf, true)
		if err != nil {
			if vbd.IsCode(err, vbd.CodeInterrupted) {
				return ctx.Err()
			}
			if vbd.IsCode(err, vbd.CodeNotConnected) {
				d.log.Info("connection closed, daemon exiting")
				return nil
			}
			return err
		}
		off := 0
		for off < n {
			req, flen, err := parseFrame(buf[off:n])
			if err != nil {
				d.log.Error("bad request frame", "offset", off, "error", err)
				return err
			}
			off += flen

			select {
			case work <- req:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// parseFrame decodes one request frame from the front of buf and returns
// its length. The declared frame length must cover a full header and
// argument blob and stay within the drained bytes.
func parseFrame(buf []byte) (request, int, error) {
	var req request
	if err := proto.ParseInHeader(buf, &req.hdr); err != nil {
		return req, 0, err
	}
	flen := int(req.hdr.Len)
	if flen < proto.InHeaderSize+proto.RdwrInSize || flen > len(buf) {
		return req, 0, proto.ErrShortData
	}
	if err := proto.ParseRdwrIn(buf[proto.InHeaderSize:flen], &req.rdwr); err != nil {
		return req, 0, err
	}
	return req, flen, nil
}

// service handles one request and writes the reply.
func (d *Daemon) service(req request) {
	b := d.backend(req.rdwr.DevID)
	if b == nil {
		d.log.Warn("request for unknown device",
			"device_id", req.rdwr.DevID, "unique", req.hdr.Unique)
		d.reply(req.hdr.Unique, -int32(unix.ENODEV), nil)
		return
	}

	switch req.hdr.Opcode {
	case proto.OpRead:
		d.serviceRead(req, b)
	case proto.OpWrite, proto.OpWriteSame:
		d.serviceWrite(req, b)
	case proto.OpDiscard:
		err := b.Discard(int64(req.rdwr.Offset), int64(req.rdwr.Size))
		d.reply(req.hdr.Unique, statusOf(err), nil)
	case proto.OpFlush:
		d.reply(req.hdr.Unique, statusOf(b.Flush()), nil)
	default:
		d.log.Warn("unsupported opcode",
			"opcode", req.hdr.Opcode, "unique", req.hdr.Unique)
		d.reply(req.hdr.Unique, -int32(unix.ENOSYS), nil)
	}
}

func (d *Daemon) serviceRead(req request, b Backend) {
	buf := getBuffer(req.rdwr.Size)
	defer putBuffer(buf)

	n, err := b.ReadAt(buf, int64(req.rdwr.Offset))
	if err != nil {
		d.reply(req.hdr.Unique, statusOf(err), nil)
		return
	}
	if n < len(buf) {
		// Reads past the device tail come back zero filled
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	d.reply(req.hdr.Unique, 0, buf)
}

// serviceWrite pulls the write payload through a read-data notification,
// offering the staging buffer in chunks, then applies it to the backend.
func (d *Daemon) serviceWrite(req request, b Backend) {
	buf := getBuffer(req.rdwr.Size)
	defer putBuffer(buf)

	if err := d.fetchPayload(req.hdr.Unique, buf); err != nil {
		d.log.Error("write payload fetch failed",
			"unique", req.hdr.Unique, "error", err)
		d.reply(req.hdr.Unique, -int32(unix.EIO), nil)
		return
	}

	_, err := b.WriteAt(buf, int64(req.rdwr.Offset))
	d.reply(req.hdr.Unique, statusOf(err), nil)
}

// fetchPayload streams the request's data into dst, resuming at a higher
// offset whenever the engine exhausts the offered chunks.
func (d *Daemon) fetchPayload(unique uint64, dst []byte) error {
	off := 0
	for off < len(dst) {
		remain := dst[off:]
		nvecs := (len(remain) + d.chunkSize - 1) / d.chunkSize
		pulled := 0

		payload := make([]byte, proto.ReadDataOutSize)
		proto.PutReadDataOut(payload, &proto.ReadDataOut{
			Unique:   unique,
			Offset:   uint64(off),
			VecCount: uint32(nvecs),
		})
		frame := proto.AppendNotify(nil, proto.NotifyReadData, payload)

		_, err := d.conn.WriteChannel(frame, func(max int) ([][]byte, error) {
			var vecs [][]byte
			for len(vecs) < max && pulled < len(remain) {
				end := pulled + d.chunkSize
				if end > len(remain) {
					end = len(remain)
				}
				vecs = append(vecs, remain[pulled:end])
				pulled = end
			}
			return vecs, nil
		})
		if err != nil {
			return err
		}
		if pulled == 0 {
			return unix.EIO
		}
		off += pulled
	}
	return nil
}

func (d *Daemon) reply(unique uint64, status int32, payload []byte) {
	frame := proto.AppendReply(nil, unique, status, payload)
	if _, err := d.conn.WriteChannel(frame, nil); err != nil {
		// A reply can lose a race with an abort; nothing to do but log
		d.log.Warn("reply rejected", "unique", unique, "error", err)
	}
}

func statusOf(err error) int32 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
