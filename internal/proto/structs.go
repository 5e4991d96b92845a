package proto

// InHeader prefixes every request frame on the channel read path.
// Len covers the header plus the argument blob that follows it.
type InHeader struct {
	Len    uint32
	Opcode uint32
	Unique uint64
	UID    uint32
	GID    uint32
	PID    uint32
	Pad    uint32
}

// OutHeader prefixes every frame on the channel write path. Unique == 0
// designates a notification, with the notification code in Status.
// For ordinary replies Status is 0 or a negative errno in (MinStatus, 0].
type OutHeader struct {
	Len    uint32
	Status int32
	Unique uint64
}

// RdwrIn is the argument blob for read, write, write-same and discard
// requests. Offset and Size are in bytes.
type RdwrIn struct {
	DevID  uint32
	Size   uint32
	Flags  uint32
	Pad    uint32
	Offset uint64
}

// AddOut is the payload of an add-device notification.
type AddOut struct {
	DevID      uint32
	QueueDepth uint32
	Size       uint64
}

// RemoveOut is the payload of a remove-device notification.
type RemoveOut struct {
	DevID uint32
	Force uint32
}

// UpdateSizeOut is the payload of an update-size notification.
type UpdateSizeOut struct {
	DevID uint32
	Pad   uint32
	Size  uint64
}

// ReadDataOut is the payload of a read-data notification: the daemon pulls
// the payload of the write request identified by Unique, starting at byte
// Offset within that payload, into VecCount destination buffers supplied
// by the caller.
type ReadDataOut struct {
	Unique   uint64
	Offset   uint64
	VecCount uint32
	Pad      uint32
}
