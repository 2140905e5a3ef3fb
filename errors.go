package iiod

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Code represents a high-level error category.
type Code string

const (
	CodeInvalidArg   Code = "invalid argument"
	CodeNotFound     Code = "not found"
	CodeBusy         Code = "busy"
	CodeNoMemory     Code = "no memory"
	CodeTransportEOF Code = "transport eof"
	CodeKernelIO     Code = "kernel io error"
	CodeTimeout      Code = "timeout"
)

// Error is a structured error carrying the context needed to both log a
// useful diagnostic and compute the negative errno placed in a Response's
// code field.
type Error struct {
	Op        string      // operation that failed, e.g. "CREATE_BUFFER"
	SessionID uint64      // 0 if not applicable
	ClientID  int32       // -1 if not applicable
	DevIdx    int32       // -1 if not applicable
	Code      Code        // high-level category
	Errno     unix.Errno  // 0 if not applicable
	Msg       string      // human-readable message
	Inner     error       // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.SessionID != 0 {
		parts = append(parts, fmt.Sprintf("session=%d", e.SessionID))
	}
	if e.ClientID >= 0 {
		parts = append(parts, fmt.Sprintf("client_id=%d", e.ClientID))
	}
	if e.DevIdx >= 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevIdx))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("iiod: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("iiod: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is match on Code alone, so callers can write
// errors.Is(err, &Error{Code: CodeBusy}) without knowing the rest of the context.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok || te == nil {
		return false
	}
	return e.Code == te.Code
}

// WireCode returns the negative errno value to place in a Response's
// code field, where a non-negative value would carry a success payload
// byte count.
func (e *Error) WireCode() int32 {
	if e.Errno != 0 {
		return -int32(e.Errno)
	}
	return -int32(codeToErrno(e.Code))
}

// newError constructs a structured Error, defaulting the optional
// identifying fields to their "not applicable" sentinels.
func newError(op string, code Code, msg string) *Error {
	return &Error{Op: op, ClientID: -1, DevIdx: -1, Code: code, Msg: msg}
}

// NewInvalidArg builds an -EINVAL style error (bad mask length, unknown
// opcode, bytes_used == 0, ...).
func NewInvalidArg(op, msg string) *Error {
	e := newError(op, CodeInvalidArg, msg)
	e.Errno = unix.EINVAL
	return e
}

// NewNotFound builds an -ENOENT/-EBADF style error for an unknown
// device/channel/attribute/buffer/block.
func NewNotFound(op, msg string) *Error {
	e := newError(op, CodeNotFound, msg)
	e.Errno = unix.ENOENT
	return e
}

// NewBusy builds an -EBUSY style error (second cyclic buffer for the same
// device/index pair).
func NewBusy(op, msg string) *Error {
	e := newError(op, CodeBusy, msg)
	e.Errno = unix.EBUSY
	return e
}

// NewNoMemory builds an -ENOMEM style error (allocation failure).
func NewNoMemory(op, msg string) *Error {
	e := newError(op, CodeNoMemory, msg)
	e.Errno = unix.ENOMEM
	return e
}

// NewTransportEOF marks the one fatal error class: the peer closed or the
// pool was stopped. It unwinds session teardown.
func NewTransportEOF(op string, inner error) *Error {
	e := newError(op, CodeTransportEOF, "transport closed")
	e.Inner = inner
	return e
}

// NewTimeout builds an -ETIMEDOUT style error (kernel I/O exceeded the
// context's configured deadline).
func NewTimeout(op, msg string) *Error {
	e := newError(op, CodeTimeout, msg)
	e.Errno = unix.ETIMEDOUT
	return e
}

// WithContext attaches session/client/device identifying context to an
// error for logging and wire-code purposes, returning the same pointer.
func (e *Error) WithContext(sessionID uint64, clientID uint16, devIdx uint16) *Error {
	e.SessionID = sessionID
	e.ClientID = int32(clientID)
	e.DevIdx = int32(devIdx)
	return e
}

// WrapKernelError wraps an error returned by the external IIO layer,
// which is passed through to the client verbatim as the response code.
// If inner is already a unix.Errno it is kept as-is rather than
// remapped.
func WrapKernelError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return ie
	}
	e := newError(op, CodeKernelIO, inner.Error())
	e.Inner = inner
	var errno unix.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
		e.Msg = errno.Error()
	}
	return e
}

// codeToErrno maps a Code to the negative errno sent on the wire when no
// specific unix.Errno was attached to the Error.
func codeToErrno(code Code) unix.Errno {
	switch code {
	case CodeInvalidArg:
		return unix.EINVAL
	case CodeNotFound:
		return unix.ENOENT
	case CodeBusy:
		return unix.EBUSY
	case CodeNoMemory:
		return unix.ENOMEM
	case CodeTimeout:
		return unix.ETIMEDOUT
	default:
		return unix.EIO
	}
}

// IsCode reports whether err is, or wraps, an *Error with the given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err is, or wraps, the given unix.Errno.
func IsErrno(err error, errno unix.Errno) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, errno)
}
