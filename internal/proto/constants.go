// Package proto defines the byte-level channel contract between the
// block-device front end and the user-space storage daemon: request and
// reply headers, operation codes, and the out-of-band notification
// sub-protocol.
package proto

// Operation codes carried in InHeader.Opcode.
const (
	OpRead      uint32 = 1
	OpWrite     uint32 = 2
	OpDiscard   uint32 = 3
	OpFlush     uint32 = 4
	OpWriteSame uint32 = 5
)

// Request flags carried in RdwrIn.Flags.
const (
	// FlagSync marks a synchronous write. Sync writes are never rewritten
	// to discards even when their payload is all zero.
	FlagSync uint32 = 1 << 0
)

// Notification codes. A reply header with Unique == 0 is a notification;
// the code travels in the Status field.
const (
	NotifyAdd        int32 = 1
	NotifyRemove     int32 = 2
	NotifyUpdateSize int32 = 3
	NotifyReadData   int32 = 4
)

// Fixed struct sizes on the wire.
const (
	InHeaderSize    = 32
	OutHeaderSize   = 16
	RdwrInSize      = 24
	AddOutSize      = 16
	RemoveOutSize   = 8
	UpdateSizeSize  = 16
	ReadDataOutSize = 24
)

// OpName returns a short human-readable name for an opcode.
func OpName(op uint32) string {
	switch op {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpDiscard:
		return "DISCARD"
	case OpFlush:
		return "FLUSH"
	case OpWriteSame:
		return "WRITE_SAME"
	default:
		return "UNKNOWN"
	}
}

// IsWrite reports whether the opcode carries a caller-supplied payload
// that the daemon may pull with a read-data notification.
func IsWrite(op uint32) bool {
	return op == OpWrite || op == OpWriteSame
}
