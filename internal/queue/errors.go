package queue

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrorCode is a high-level error category.
type ErrorCode string

const (
	CodeNotConnected      ErrorCode = "not connected"
	CodeConnectionAborted ErrorCode = "connection aborted"
	CodeOutOfIdentifiers  ErrorCode = "identifier space exhausted"
	CodeUnknownIdentifier ErrorCode = "unknown request identifier"
	CodeIdentifierStale   ErrorCode = "stale request identifier"
	CodeBadHeader         ErrorCode = "malformed header"
	CodeBadStatus         ErrorCode = "status out of range"
	CodeBadNotify         ErrorCode = "unknown notification code"
	CodeCopyFault         ErrorCode = "payload copy fault"
	CodeInterrupted       ErrorCode = "interrupted"
	CodeNoData            ErrorCode = "no requests pending"
)

// Error is a structured transport error with operation context and an
// errno-valued status for callers that speak the channel's status space.
type Error struct {
	Op     string     // Channel operation that failed (e.g. "SUBMIT", "WRITE_CHANNEL")
	Unique uint64     // Request identifier (0 if not applicable)
	Code   ErrorCode  // High-level category
	Errno  unix.Errno // Errno-valued status (0 if not applicable)
	Msg    string     // Human-readable detail
	Inner  error      // Wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Unique != 0 {
		parts = append(parts, fmt.Sprintf("unique=%d", e.Unique))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("vbd: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("vbd: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches by category so sentinel comparisons with errors.Is work
// regardless of the per-call context fields.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotConnected      = &Error{Code: CodeNotConnected, Errno: unix.ENOTCONN}
	ErrConnectionAborted = &Error{Code: CodeConnectionAborted, Errno: unix.ECONNABORTED}
	ErrOutOfIdentifiers  = &Error{Code: CodeOutOfIdentifiers, Errno: unix.EAGAIN}
	ErrUnknownIdentifier = &Error{Code: CodeUnknownIdentifier, Errno: unix.ENOENT}
	ErrIdentifierStale   = &Error{Code: CodeIdentifierStale, Errno: unix.ENOENT}
	ErrBadHeader         = &Error{Code: CodeBadHeader, Errno: unix.EINVAL}
	ErrBadStatus         = &Error{Code: CodeBadStatus, Errno: unix.EINVAL}
	ErrBadNotify         = &Error{Code: CodeBadNotify, Errno: unix.EINVAL}
	ErrCopyFault         = &Error{Code: CodeCopyFault, Errno: unix.EFAULT}
	ErrInterrupted       = &Error{Code: CodeInterrupted, Errno: unix.EINTR}
	ErrNoData            = &Error{Code: CodeNoData, Errno: unix.EAGAIN}
)

// NewError creates a structured error for op with the given category.
func NewError(op string, code ErrorCode, msg string) *Error {
	e := &Error{Op: op, Code: code, Msg: msg}
	if s, ok := codeErrno[code]; ok {
		e.Errno = s
	}
	return e
}

// NewRequestError creates a structured error tied to a request identifier.
func NewRequestError(op string, unique uint64, code ErrorCode, msg string) *Error {
	e := NewError(op, code, msg)
	e.Unique = unique
	return e
}

var codeErrno = map[ErrorCode]unix.Errno{
	CodeNotConnected:      unix.ENOTCONN,
	CodeConnectionAborted: unix.ECONNABORTED,
	CodeOutOfIdentifiers:  unix.EAGAIN,
	CodeUnknownIdentifier: unix.ENOENT,
	CodeIdentifierStale:   unix.ENOENT,
	CodeBadHeader:         unix.EINVAL,
	CodeBadStatus:         unix.EINVAL,
	CodeBadNotify:         unix.EINVAL,
	CodeCopyFault:         unix.EFAULT,
	CodeInterrupted:       unix.EINTR,
	CodeNoData:            unix.EAGAIN,
}

// IsCode reports whether err carries the given category.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err carries the given errno-valued status.
func IsErrno(err error, errno unix.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
