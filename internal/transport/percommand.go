package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/roman-kulish/lr-logger/internal/scpi"
)

// PerCommandTransport opens a new connection for every command and closes
// it as soon as the reply has been read. Failures never outlive the command
// that caused them and are not retried here.
type PerCommandTransport struct {
	addr string
	s    settings

	mu     sync.Mutex
	closed bool
}

func NewPerCommand(addr string, options ...Option) *PerCommandTransport {
	s := newSettings(options)
	s.logger = s.logger.With(slog.String("address", addr), slog.String("transport", string(PerCommand)))

	return &PerCommandTransport{addr: addr, s: s}
}

func (t *PerCommandTransport) Write(ctx context.Context, cmd string) error {
	return t.exchange(ctx, cmd, func(conn net.Conn) error {
		t.s.logger.Debug("write", slog.String("command", cmd))
		return awaitClose(conn, t.s.cooldown)
	})
}

func (t *PerCommandTransport) Query(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	var reply string

	err := t.exchange(ctx, cmd, func(conn net.Conn) (err error) {
		reply, err = scpi.ReadLine(conn, queryTimeout(ctx, timeout), t.s.cooldown)
		if err == nil {
			t.s.logger.Debug("query", slog.String("command", cmd), slog.String("reply", reply))
		}

		return err
	})

	return reply, err
}

func (t *PerCommandTransport) QueryBlock(ctx context.Context, cmd string, timeout time.Duration) ([]byte, error) {
	var payload []byte

	err := t.exchange(ctx, cmd, func(conn net.Conn) (err error) {
		payload, err = readBlock(conn, queryTimeout(ctx, timeout), t.s.cooldown)
		return err
	})

	return payload, err
}

// Close marks the transport unusable. There is no connection to release.
func (t *PerCommandTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true

	return nil
}

func (t *PerCommandTransport) exchange(ctx context.Context, cmd string, read func(conn net.Conn) error) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if err = ctx.Err(); err != nil {
		return err
	}

	conn, err := dial(ctx, t.addr, t.s.dialTimeout)
	if err != nil {
		return t.wrap(ctx, "dial", err)
	}
	defer closeWithError(conn, &err)

	if err = send(conn, cmd, t.s.writeTimeout); err != nil {
		return t.wrap(ctx, "write", err)
	}

	if err = read(conn); err != nil {
		return t.wrap(ctx, "read", err)
	}

	return nil
}

func (t *PerCommandTransport) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var fe *scpi.FramingError
	if errors.As(err, &fe) {
		return err
	}

	return &Error{Op: op, Addr: t.addr, Timeout: scpi.IsTimeout(err), Err: err}
}

// awaitClose half-closes conn and waits up to cooldown for the peer to
// finish reading, so the command has been consumed before the next one
// opens a new connection.
func awaitClose(conn net.Conn, cooldown time.Duration) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return err
		}
	}

	if _, err := scpi.Drain(conn, cooldown); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, syscall.ECONNRESET) {
		return err
	}

	return nil
}

// closeWithError closes conn and reports the close failure only when the
// exchange itself succeeded.
func closeWithError(conn net.Conn, err *error) {
	if cerr := conn.Close(); cerr != nil && *err == nil {
		*err = &Error{Op: "close", Addr: conn.RemoteAddr().String(), Err: cerr}
	}
}
