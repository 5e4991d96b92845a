package vbd

import (
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-vbd/internal/queue"
)

// Error is the structured error type returned by all transport operations.
type Error = queue.Error

// ErrorCode classifies transport failures.
type ErrorCode = queue.ErrorCode

// Error codes.
const (
	CodeNotConnected      = queue.CodeNotConnected
	CodeConnectionAborted = queue.CodeConnectionAborted
	CodeOutOfIdentifiers  = queue.CodeOutOfIdentifiers
	CodeUnknownIdentifier = queue.CodeUnknownIdentifier
	CodeIdentifierStale   = queue.CodeIdentifierStale
	CodeBadHeader         = queue.CodeBadHeader
	CodeBadStatus         = queue.CodeBadStatus
	CodeBadNotify         = queue.CodeBadNotify
	CodeCopyFault         = queue.CodeCopyFault
	CodeInterrupted       = queue.CodeInterrupted
	CodeNoData            = queue.CodeNoData
)

// Sentinel errors for errors.Is matching.
var (
	ErrNotConnected      = queue.ErrNotConnected
	ErrConnectionAborted = queue.ErrConnectionAborted
	ErrOutOfIdentifiers  = queue.ErrOutOfIdentifiers
	ErrUnknownIdentifier = queue.ErrUnknownIdentifier
	ErrIdentifierStale   = queue.ErrIdentifierStale
	ErrBadHeader         = queue.ErrBadHeader
	ErrBadStatus         = queue.ErrBadStatus
	ErrBadNotify         = queue.ErrBadNotify
	ErrCopyFault         = queue.ErrCopyFault
	ErrInterrupted       = queue.ErrInterrupted
	ErrNoData            = queue.ErrNoData
)

// IsCode reports whether err carries the given transport error code.
func IsCode(err error, code ErrorCode) bool {
	return queue.IsCode(err, code)
}

// IsErrno reports whether err maps to the given errno.
func IsErrno(err error, errno unix.Errno) bool {
	return queue.IsErrno(err, errno)
}

// abortStatus is the completion status stamped on requests drained by an
// abort.
const abortStatus = -int32(unix.ECONNABORTED)
