// Package remoteerr defines the error taxonomy shared by every storage adapter.
// Adapters translate backend-native failures into an *Error carrying one Kind;
// callers above the adapters only ever inspect the Kind.
package remoteerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failed remote operation.
type Kind string

// Error kinds.
const (
	KindNotFound             Kind = "NotFound"
	KindPermissionDenied     Kind = "PermissionDenied"
	KindAuthenticationFailed Kind = "AuthenticationFailed"
	KindHostUnreachable      Kind = "HostUnreachable"
	KindTimeout              Kind = "Timeout"
	KindUnsupportedOperation Kind = "UnsupportedOperation"
	KindConflict             Kind = "Conflict"
	KindCancelled            Kind = "Cancelled"
	KindUnknown              Kind = "Unknown"
)

// Sentinel errors, one per kind. errors.Is(err, ErrNotFound) is true for any
// *Error whose Kind is KindNotFound.
var (
	ErrNotFound             = errors.New("not found")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrHostUnreachable      = errors.New("host unreachable")
	ErrTimeout              = errors.New("timeout")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrConflict             = errors.New("already exists")
	ErrCancelled            = errors.New("cancelled")
	ErrUnknown              = errors.New("unknown error")
)

// ErrNotConnected is returned by adapters used outside a Connect/Disconnect session.
var ErrNotConnected = errors.New("not connected")

// ErrLeftDuplicate marks a rename implemented as copy-then-delete where the copy
// succeeded but the original could not be removed. Both objects exist until retried.
var ErrLeftDuplicate = errors.New("copy succeeded but original was not removed")

var sentinels = map[Kind]error{
	KindNotFound:             ErrNotFound,
	KindPermissionDenied:     ErrPermissionDenied,
	KindAuthenticationFailed: ErrAuthenticationFailed,
	KindHostUnreachable:      ErrHostUnreachable,
	KindTimeout:              ErrTimeout,
	KindUnsupportedOperation: ErrUnsupportedOperation,
	KindConflict:             ErrConflict,
	KindCancelled:            ErrCancelled,
	KindUnknown:              ErrUnknown,
}

// Error is a classified failure of one operation on one path.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// New creates an *Error without an underlying cause.
func New(kind Kind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Wrap creates an *Error wrapping err. A nil err yields nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Unsupported reports that op is not available for the given backend kind.
func Unsupported(op, backend string) *Error {
	return &Error{
		Kind: KindUnsupportedOperation,
		Op:   op,
		Err:  fmt.Errorf("%s does not support %s", backend, op),
	}
}

// NotConnected is the error returned by adapter calls made outside a session.
func NotConnected(op string) *Error {
	return &Error{Kind: KindUnknown, Op: op, Err: ErrNotConnected}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if msg != "" {
		msg += ": "
	}
	if e.Err != nil {
		return msg + e.Err.Error()
	}
	return msg + sentinels[e.Kind].Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the first *Error in err's chain. Errors never
// classified by an adapter are KindUnknown; a nil error has an empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// Detail returns a human readable description of err without the operation prefix.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) && re.Err != nil {
		return re.Err.Error()
	}
	return err.Error()
}

// WithContext re-labels err with an outer operation and path while keeping its kind.
// Unclassified errors are wrapped as KindUnknown.
func WithContext(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Path: path, Err: err}
}
