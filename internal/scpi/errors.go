package scpi

import "fmt"

// FramingError reports a malformed binary block or a reply whose shape
// does not match what the command expects. It is command-level and does
// not invalidate the connection.
type FramingError struct {
	msg string
}

func NewFramingError(format string, a ...any) *FramingError {
	return &FramingError{msg: fmt.Sprintf(format, a...)}
}

func (e *FramingError) Error() string {
	return "framing error: " + e.msg
}
