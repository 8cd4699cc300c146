package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a transport that was closed by its owner.
var ErrClosed = errors.New("transport is closed")

// Error reports a socket connect, read or write failure.
//
// Timeout is set when the failure was a deadline expiry; such errors are
// transient. Fatal is set when the failure invalidated the connection, which
// only happens in persistent mode.
type Error struct {
	Op      string
	Addr    string
	Timeout bool
	Fatal   bool
	Err     error
}

func (e *Error) Error() string {
	kind := "transport"
	switch {
	case e.Fatal:
		kind = "fatal transport"
	case e.Timeout:
		kind = "transport timeout"
	}

	return fmt.Sprintf("%s error: %s %s: %v", kind, e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err invalidated the connection it came from.
func IsFatal(err error) bool {
	var te *Error

	return errors.As(err, &te) && te.Fatal
}

// IsTimeout reports whether err is a transport deadline expiry.
func IsTimeout(err error) bool {
	var te *Error

	return errors.As(err, &te) && te.Timeout
}
