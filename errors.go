package nexus

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorCode represents a high-level error category surfaced to the control
// plane. Every user-visible failure carries one of these alongside a
// descriptive message, per the error propagation policy (spec §7).
type ErrorCode string

const (
	ErrCodeConfiguration      ErrorCode = "configuration error"
	ErrCodeSubmission         ErrorCode = "submission error"
	ErrCodeCompletion         ErrorCode = "completion error"
	ErrCodeLifecycle          ErrorCode = "lifecycle error"
	ErrCodeDuplicateChild     ErrorCode = "duplicate child"
	ErrCodeChildNotFound      ErrorCode = "child not found"
	ErrCodeNoDevicesAvailable ErrorCode = "no devices available"
	ErrCodeNotSupported       ErrorCode = "not supported"
	ErrCodeShuttingDown       ErrorCode = "nexus shutting down"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
)

// Error is a structured nexus error with enough context to let the control
// plane make retry/reporting decisions without string-matching messages.
type Error struct {
	Op        string // operation that failed, e.g. "AddChild", "submit_all"
	NexusName string // nexus name, empty if not applicable
	Child     string // child device name / URI, empty if not applicable
	Code      ErrorCode
	Errno     syscall.Errno
	Retryable bool
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	var parts []string
	if e.NexusName != "" {
		parts = append(parts, fmt.Sprintf("nexus=%s", e.NexusName))
	}
	if e.Child != "" {
		parts = append(parts, fmt.Sprintf("child=%s", e.Child))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if e.Op != "" {
		if len(parts) > 0 {
			return fmt.Sprintf("nexus: %s: %s (%s)", e.Op, msg, parts[0])
		}
		return fmt.Sprintf("nexus: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("nexus: %s", msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped error.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparisons by error code.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a structured error with no device/child context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewNexusError creates a structured error scoped to a nexus.
func NewNexusError(op, nexusName string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, NexusName: nexusName, Code: code, Msg: msg}
}

// NewChildError creates a structured error scoped to a nexus child.
func NewChildError(op, nexusName, child string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, NexusName: nexusName, Child: child, Code: code, Msg: msg}
}

// WrapError wraps an existing error with nexus context, mapping syscall
// errnos to an ErrorCode the way the control plane expects.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ne, ok := inner.(*Error); ok {
		wrapped := *ne
		wrapped.Op = op
		return &wrapped
	}

	code := ErrCodeSubmission
	if errno, ok := inner.(syscall.Errno); ok {
		code = mapErrnoToCode(errno)
		return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENXIO, syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeSubmission
	case syscall.EINVAL:
		return ErrCodeInvalidParameters
	case syscall.EEXIST:
		return ErrCodeDuplicateChild
	case syscall.ENOENT:
		return ErrCodeChildNotFound
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	default:
		return ErrCodeCompletion
	}
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Sentinel errors for common, non-contextual conditions.
var (
	ErrNilNexus          = errors.New("nexus: nil nexus")
	ErrNilChild          = errors.New("nexus: nil child")
	ErrRebuildNotRunning = errors.New("nexus: rebuild job not running")
	ErrRebuildExists     = errors.New("nexus: rebuild job already exists for child")
)
