// Package scpi implements the wire codec used to talk to SCPI instruments
// over a byte stream: line-terminated ASCII commands and replies, and
// IEEE-488.2 definite-length arbitrary blocks.
package scpi

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// Terminator is appended to every outgoing command.
const Terminator = "\r\n"

// DefaultCooldown is the quiet period after which a partially received,
// unterminated reply is considered complete.
const DefaultCooldown = 100 * time.Millisecond

// DeadlineReader is a stream that supports read deadlines. net.Conn satisfies it.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Encode frames a command for the wire.
func Encode(cmd string) []byte {
	b := make([]byte, 0, len(cmd)+len(Terminator))
	b = append(b, cmd...)

	return append(b, Terminator...)
}

// ReadLine reads an ASCII reply one byte at a time. CR bytes are dropped and
// LF ends the reply. When at least one byte has been received and nothing
// more arrives within cooldown, the bytes read so far are returned as the
// reply. The whole read is bounded by timeout.
func ReadLine(r DeadlineReader, timeout, cooldown time.Duration) (string, error) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	deadline := time.Now().Add(timeout)
	defer r.SetReadDeadline(time.Time{})

	var (
		buf []byte
		one [1]byte
	)

	for {
		next := deadline
		if len(buf) > 0 {
			if c := time.Now().Add(cooldown); c.Before(next) {
				next = c
			}
		}

		if err := r.SetReadDeadline(next); err != nil {
			return "", err
		}

		n, err := r.Read(one[:])
		if n == 1 {
			switch one[0] {
			case '\r':
			case '\n':
				return string(buf), nil
			default:
				buf = append(buf, one[0])
			}

			continue
		}

		if err != nil {
			if IsTimeout(err) && len(buf) > 0 {
				return string(buf), nil
			}

			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return string(buf), nil
			}

			return "", err
		}
	}
}

// Drain discards whatever is pending on the stream until it has been quiet
// for cooldown. It returns the number of bytes discarded.
func Drain(r DeadlineReader, cooldown time.Duration) (int, error) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	defer r.SetReadDeadline(time.Time{})

	var (
		total int
		buf   [256]byte
	)

	for {
		if err := r.SetReadDeadline(time.Now().Add(cooldown)); err != nil {
			return total, err
		}

		n, err := r.Read(buf[:])
		total += n

		if err != nil {
			if IsTimeout(err) {
				return total, nil
			}

			return total, err
		}
	}
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}
