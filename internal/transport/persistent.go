package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roman-kulish/lr-logger/internal/scpi"
)

// PersistentTransport holds one connection for the whole session. Commands
// are serialized. A read or write failure other than a deadline expiry
// closes the connection and every later call fails.
type PersistentTransport struct {
	addr string
	s    settings

	mu     sync.Mutex
	conn   net.Conn
	failed error
	stale  bool // a reply may still be in flight after a timed-out query
}

// Dial connects to addr and returns a persistent transport.
func Dial(ctx context.Context, addr string, options ...Option) (*PersistentTransport, error) {
	s := newSettings(options)

	conn, err := dial(ctx, addr, s.dialTimeout)
	if err != nil {
		return nil, &Error{Op: "dial", Addr: addr, Timeout: scpi.IsTimeout(err), Fatal: true, Err: err}
	}

	s.logger = s.logger.With(slog.String("address", addr), slog.String("transport", string(Persistent)))
	s.logger.Debug("connected")

	return &PersistentTransport{addr: addr, s: s, conn: conn}, nil
}

func (t *PersistentTransport) Write(ctx context.Context, cmd string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx); err != nil {
		return err
	}

	t.s.logger.Debug("write", slog.String("command", cmd))

	if err := send(t.conn, cmd, t.s.writeTimeout); err != nil {
		return t.fail("write", err)
	}

	return nil
}

func (t *PersistentTransport) Query(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx); err != nil {
		return "", err
	}

	if err := send(t.conn, cmd, t.s.writeTimeout); err != nil {
		return "", t.classify(ctx, "write", err)
	}

	reply, err := scpi.ReadLine(t.conn, queryTimeout(ctx, timeout), t.s.cooldown)
	if err != nil {
		return "", t.classify(ctx, "read", err)
	}

	t.s.logger.Debug("query", slog.String("command", cmd), slog.String("reply", reply))

	return reply, nil
}

func (t *PersistentTransport) QueryBlock(ctx context.Context, cmd string, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx); err != nil {
		return nil, err
	}

	if err := send(t.conn, cmd, t.s.writeTimeout); err != nil {
		return nil, t.classify(ctx, "write", err)
	}

	payload, err := readBlock(t.conn, queryTimeout(ctx, timeout), t.s.cooldown)
	if err != nil {
		var fe *scpi.FramingError
		if errors.As(err, &fe) {
			// the rest of the malformed reply is still on the wire
			t.stale = true
			return nil, err
		}

		return nil, t.classify(ctx, "read", err)
	}

	t.s.logger.Debug("block query", slog.String("command", cmd), slog.Int("bytes", len(payload)))

	return payload, nil
}

// Close releases the connection. It is safe to call more than once.
func (t *PersistentTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil

	if t.failed == nil {
		t.failed = ErrClosed
	}

	t.s.logger.Debug("closed")

	return err
}

// prepare checks the connection is usable and discards a late reply left by
// an earlier timed-out query.
func (t *PersistentTransport) prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.failed != nil {
		if errors.Is(t.failed, ErrClosed) {
			return ErrClosed
		}

		return &Error{Op: "use", Addr: t.addr, Fatal: true, Err: fmt.Errorf("connection was lost: %w", t.failed)}
	}

	if t.stale {
		n, err := scpi.Drain(t.conn, t.s.cooldown)
		if err != nil {
			return t.fail("drain", err)
		}

		if n > 0 {
			t.s.logger.Warn("discarded late reply", slog.Int("bytes", n))
		}

		t.stale = false
	}

	return nil
}

func (t *PersistentTransport) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		t.stale = true
		return ctx.Err()
	}

	if scpi.IsTimeout(err) {
		t.stale = true
		t.s.logger.Warn("query timed out", slog.String("op", op))

		return &Error{Op: op, Addr: t.addr, Timeout: true, Err: err}
	}

	return t.fail(op, err)
}

func (t *PersistentTransport) fail(op string, err error) error {
	t.failed = err
	t.conn.Close()
	t.conn = nil

	t.s.logger.Error("connection lost", slog.String("op", op), slog.String("error", err.Error()))

	return &Error{Op: op, Addr: t.addr, Fatal: true, Err: err}
}
