package outcome

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies the result of a reset call.
type Kind int

const (
	Success Kind = iota
	Busy
	PermissionDenied
	InvalidArgument
	IoFailure
	DeviceLost
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Busy:
		return "busy"
	case PermissionDenied:
		return "permission-denied"
	case InvalidArgument:
		return "invalid-argument"
	case IoFailure:
		return "io-failure"
	case DeviceLost:
		return "device-lost"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with its outcome kind. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf maps an error returned by the reset path to its outcome kind.
// A nil error is Success and an unclassified error is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}

	var outcomeErr *Error
	if errors.As(err, &outcomeErr) {
		return outcomeErr.Kind
	}

	return Unknown
}

// Errno recovers the OS error code from anywhere in the error chain.
func Errno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
