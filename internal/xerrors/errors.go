// Package xerrors provides the structured error type shared by the
// scheduler daemon and the injected client, mapping the protocol's error
// taxonomy onto a single comparable Code.
package xerrors

import (
	stderrors "errors"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code is a high-level error category, comparable across wraps via Is.
type Code string

const (
	// CodeProtocolViolation covers malformed or out-of-order peer traffic:
	// unexpected message types, partial frames, double REGISTER.
	CodeProtocolViolation Code = "protocol violation"
	// CodeTransientIO covers EAGAIN/EWOULDBLOCK/EPIPE/ECONNRESET on a
	// daemon-side socket. Always treated as peer death, never retried.
	CodeTransientIO Code = "transient io"
	// CodeFatalHost covers allocation/bind/permission failures that leave
	// the daemon unable to continue safely.
	CodeFatalHost Code = "fatal host error"
	// CodeDriver wraps an error surfaced by the GPU driver's own API.
	CodeDriver Code = "driver error"
	// CodeSensorUnavailable marks the one-time failure of the utilization
	// sensor that causes permanent fallback to sync-timing.
	CodeSensorUnavailable Code = "sensor unavailable"
)

// Error is the structured error type used throughout this module. It
// mirrors the shape of a plain op/code/message error record, enriched
// with cockroachdb/errors wrapping so fatal conditions keep a captured
// stack trace through the log boundary.
type Error struct {
	Op    string // operation that failed, e.g. "accept", "register"
	Peer  string // client id or fd, if applicable ("" if not applicable)
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("nvshare: %s: %s (peer=%s): %s", e.Op, e.Code, e.Peer, e.Msg)
	}
	return fmt.Sprintf("nvshare: %s: %s: %s", e.Op, e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	var te *Error
	if stderrors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// New builds an Error with no wrapped cause.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Wrap attaches op/code context to inner, capturing a stack trace via
// cockroachdb/errors so the fatal-path log line (see §7 of the design)
// has enough detail to diagnose without reproducing.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{
		Op:    op,
		Code:  code,
		Msg:   inner.Error(),
		Inner: errors.Wrapf(inner, "%s", op),
	}
}

// WithPeer returns a copy of e annotated with a peer identifier (client
// id or fd), for log lines that need to name the offending connection.
func (e *Error) WithPeer(peer string) *Error {
	cp := *e
	cp.Peer = peer
	return &cp
}

// IsCode reports whether err is, or wraps, an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}
