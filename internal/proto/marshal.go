package proto

import "encoding/binary"

// MarshalError is returned for short buffers on either codec direction.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrShortBuffer MarshalError = "buffer too short for encoding"
	ErrShortData   MarshalError = "insufficient data for decoding"
)

// PutInHeader encodes h into the first InHeaderSize bytes of buf.
func PutInHeader(buf []byte, h *InHeader) error {
	if len(buf) < InHeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	binary.LittleEndian.PutUint32(buf[4:8], h.Opcode)
	binary.LittleEndian.PutUint64(buf[8:16], h.Unique)
	binary.LittleEndian.PutUint32(buf[16:20], h.UID)
	binary.LittleEndian.PutUint32(buf[20:24], h.GID)
	binary.LittleEndian.PutUint32(buf[24:28], h.PID)
	binary.LittleEndian.PutUint32(buf[28:32], h.Pad)
	return nil
}

// ParseInHeader decodes an InHeader from data.
func ParseInHeader(data []byte, h *InHeader) error {
	if len(data) < InHeaderSize {
		return ErrShortData
	}
	h.Len = binary.LittleEndian.Uint32(data[0:4])
	h.Opcode = binary.LittleEndian.Uint32(data[4:8])
	h.Unique = binary.LittleEndian.Uint64(data[8:16])
	h.UID = binary.LittleEndian.Uint32(data[16:20])
	h.GID = binary.LittleEndian.Uint32(data[20:24])
	h.PID = binary.LittleEndian.Uint32(data[24:28])
	h.Pad = binary.LittleEndian.Uint32(data[28:32])
	return nil
}

// PutOutHeader encodes h into the first OutHeaderSize bytes of buf.
func PutOutHeader(buf []byte, h *OutHeader) error {
	if len(buf) < OutHeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Status))
	binary.LittleEndian.PutUint64(buf[8:16], h.Unique)
	return nil
}

// ParseOutHeader decodes an OutHeader from data.
func ParseOutHeader(data []byte, h *OutHeader) error {
	if len(data) < OutHeaderSize {
		return ErrShortData
	}
	h.Len = binary.LittleEndian.Uint32(data[0:4])
	h.Status = int32(binary.LittleEndian.Uint32(data[4:8]))
	h.Unique = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// PutRdwrIn encodes a into the first RdwrInSize bytes of buf.
func PutRdwrIn(buf []byte, a *RdwrIn) error {
	if len(buf) < RdwrInSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], a.DevID)
	binary.LittleEndian.PutUint32(buf[4:8], a.Size)
	binary.LittleEndian.PutUint32(buf[8:12], a.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], a.Pad)
	binary.LittleEndian.PutUint64(buf[16:24], a.Offset)
	return nil
}

// ParseRdwrIn decodes a RdwrIn from data.
func ParseRdwrIn(data []byte, a *RdwrIn) error {
	if len(data) < RdwrInSize {
		return ErrShortData
	}
	a.DevID = binary.LittleEndian.Uint32(data[0:4])
	a.Size = binary.LittleEndian.Uint32(data[4:8])
	a.Flags = binary.LittleEndian.Uint32(data[8:12])
	a.Pad = binary.LittleEndian.Uint32(data[12:16])
	a.Offset = binary.LittleEndian.Uint64(data[16:24])
	return nil
}

// MarshalRdwrIn returns a freshly encoded argument blob for a.
func MarshalRdwrIn(a *RdwrIn) []byte {
	buf := make([]byte, RdwrInSize)
	PutRdwrIn(buf, a)
	return buf
}

// PutAddOut encodes a into buf.
func PutAddOut(buf []byte, a *AddOut) error {
	if len(buf) < AddOutSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], a.DevID)
	binary.LittleEndian.PutUint32(buf[4:8], a.QueueDepth)
	binary.LittleEndian.PutUint64(buf[8:16], a.Size)
	return nil
}

// ParseAddOut decodes an AddOut from data.
func ParseAddOut(data []byte, a *AddOut) error {
	if len(data) < AddOutSize {
		return ErrShortData
	}
	a.DevID = binary.LittleEndian.Uint32(data[0:4])
	a.QueueDepth = binary.LittleEndian.Uint32(data[4:8])
	a.Size = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// PutRemoveOut encodes r into buf.
func PutRemoveOut(buf []byte, r *RemoveOut) error {
	if len(buf) < RemoveOutSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], r.DevID)
	binary.LittleEndian.PutUint32(buf[4:8], r.Force)
	return nil
}

// ParseRemoveOut decodes a RemoveOut from data.
func ParseRemoveOut(data []byte, r *RemoveOut) error {
	if len(data) < RemoveOutSize {
		return ErrShortData
	}
	r.DevID = binary.LittleEndian.Uint32(data[0:4])
	r.Force = binary.LittleEndian.Uint32(data[4:8])
	return nil
}

// PutUpdateSizeOut encodes u into buf.
func PutUpdateSizeOut(buf []byte, u *UpdateSizeOut) error {
	if len(buf) < UpdateSizeSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], u.DevID)
	binary.LittleEndian.PutUint32(buf[4:8], u.Pad)
	binary.LittleEndian.PutUint64(buf[8:16], u.Size)
	return nil
}

// ParseUpdateSizeOut decodes an UpdateSizeOut from data.
func ParseUpdateSizeOut(data []byte, u *UpdateSizeOut) error {
	if len(data) < UpdateSizeSize {
		return ErrShortData
	}
	u.DevID = binary.LittleEndian.Uint32(data[0:4])
	u.Pad = binary.LittleEndian.Uint32(data[4:8])
	u.Size = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// PutReadDataOut encodes r into buf.
func PutReadDataOut(buf []byte, r *ReadDataOut) error {
	if len(buf) < ReadDataOutSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(buf[0:8], r.Unique)
	binary.LittleEndian.PutUint64(buf[8:16], r.Offset)
	binary.LittleEndian.PutUint32(buf[16:20], r.VecCount)
	binary.LittleEndian.PutUint32(buf[20:24], r.Pad)
	return nil
}

// ParseReadDataOut decodes a ReadDataOut from data.
func ParseReadDataOut(data []byte, r *ReadDataOut) error {
	if len(data) < ReadDataOutSize {
		return ErrShortData
	}
	r.Unique = binary.LittleEndian.Uint64(data[0:8])
	r.Offset = binary.LittleEndian.Uint64(data[8:16])
	r.VecCount = binary.LittleEndian.Uint32(data[16:20])
	r.Pad = binary.LittleEndian.Uint32(data[20:24])
	return nil
}

// AppendReply builds a reply frame: OutHeader followed by payload.
// Len is filled in to cover the whole frame.
func AppendReply(dst []byte, unique uint64, status int32, payload []byte) []byte {
	oh := OutHeader{
		Len:    uint32(OutHeaderSize + len(payload)),
		Status: status,
		Unique: unique,
	}
	frame := make([]byte, OutHeaderSize)
	PutOutHeader(frame, &oh)
	dst = append(dst, frame...)
	return append(dst, payload...)
}

// AppendNotify builds a notification frame: a zero-unique OutHeader with
// the notification code in the status field, followed by payload.
func AppendNotify(dst []byte, code int32, payload []byte) []byte {
	return AppendReply(dst, 0, code, payload)
}
