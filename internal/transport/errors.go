package transport

import (
	"errors"
	"net"
	"syscall"
)

var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionReset   = errors.New("connection reset")
	ErrSessionClosed     = errors.New("session closed")
)

// Error is a transport failure tagged with its taxonomy kind. It unwraps
// to both Kind and the underlying error, so callers can test
// errors.Is(err, ErrConnectionRefused) and still reach the *net.OpError.
type Error struct {
	Op   string
	Kind error // nil when the failure does not match a known kind
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// classify wraps err in an *Error with the matching kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var kind error
	switch {
	case errors.Is(err, net.ErrClosed):
		kind = ErrSessionClosed
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = ErrConnectionRefused
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		kind = ErrConnectionReset
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
