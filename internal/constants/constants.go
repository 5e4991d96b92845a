package constants

// Default connection sizing
const (
	// DefaultMaxOutstanding is the default admission limit: the maximum
	// number of requests callers may keep in flight concurrently.
	DefaultMaxOutstanding = 256

	// IdentSpaceFactor scales the identifier space relative to the
	// admission limit so the pool cannot run dry under correct admission
	// control.
	IdentSpaceFactor = 2

	// QueueSizeFactor scales the pending ring relative to the identifier
	// space. A structurally full ring is a logic error, not back-pressure.
	QueueSizeFactor = 2

	// ShardCacheSize is the capacity of each per-shard identifier cache.
	// Transfers between a shard and the global pool move half of this.
	ShardCacheSize = 16
)

// Channel protocol tuning
const (
	// ZeroScanMaxBytes is the default payload size cutoff for the
	// zero-write detection scan. Larger write payloads skip the scan and
	// are delivered unmodified.
	ZeroScanMaxBytes = 1 << 20

	// ReadDataMaxVecs caps how many destination buffers a single
	// continuation pull may return on the read-data path.
	ReadDataMaxVecs = 64

	// MinStatus bounds the reply status space: a reply status must lie in
	// (MinStatus, 0]. Anything else is a protocol violation.
	MinStatus = -1000
)

// Daemon defaults
const (
	// DefaultReadBufferSize is the loopback daemon's request read buffer.
	DefaultReadBufferSize = 1 << 16
)
