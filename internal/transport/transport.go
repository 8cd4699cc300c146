// Package transport carries SCPI commands to an instrument over TCP, either
// on one connection held for the whole session or on a fresh connection per
// command.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/roman-kulish/lr-logger/internal/scpi"
)

const (
	// DefaultPort is the instrument's command port.
	DefaultPort = 8800
	// DefaultAltPort is the secondary command port exposed by some firmware.
	DefaultAltPort = 8802

	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 3 * time.Second
	DefaultQueryTimeout = 5 * time.Second
)

// Mode selects the connection discipline.
type Mode string

const (
	Persistent Mode = "persistent"
	PerCommand Mode = "per-command"
)

func (m Mode) Validate() error {
	switch m {
	case Persistent, PerCommand:
		return nil
	default:
		return fmt.Errorf("unknown transport mode %q", m)
	}
}

// Transport sends commands to the instrument. Write expects no reply. Query
// and QueryBlock block for at most timeout waiting for the reply.
type Transport interface {
	Write(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	QueryBlock(ctx context.Context, cmd string, timeout time.Duration) ([]byte, error)
	Close() error
}

type settings struct {
	logger       *slog.Logger
	dialTimeout  time.Duration
	writeTimeout time.Duration
	cooldown     time.Duration
}

// Option configures a transport.
type Option func(s *settings)

// WithLogger sets the logger used for per-command traffic.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds sending one command.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithCooldown sets the quiet period that ends an unterminated reply.
func WithCooldown(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

func newSettings(options []Option) settings {
	s := settings{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		cooldown:     scpi.DefaultCooldown,
	}

	for _, option := range options {
		option(&s)
	}

	return s
}

// New returns a transport for the given mode. A persistent transport is
// connected before New returns.
func New(ctx context.Context, mode Mode, addr string, options ...Option) (Transport, error) {
	switch mode {
	case Persistent:
		return Dial(ctx, addr, options...)
	case PerCommand:
		return NewPerCommand(addr, options...), nil
	default:
		return nil, mode.Validate()
	}
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}

	return d.DialContext(ctx, "tcp", addr)
}

// send writes one framed command.
func send(conn net.Conn, cmd string, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	payload := scpi.Encode(cmd)
	for len(payload) > 0 {
		n, err := conn.Write(payload)
		if err != nil {
			return err
		}

		payload = payload[n:]
	}

	return nil
}

// readBlock reads a binary block reply followed by its optional terminator.
func readBlock(conn net.Conn, timeout, cooldown time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	payload, err := scpi.ReadBlock(conn)
	if err != nil {
		return nil, err
	}

	if _, err = scpi.ReadLine(conn, cooldown, cooldown); err != nil && !scpi.IsTimeout(err) && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return payload, nil
}

// queryTimeout shortens timeout to the context deadline when it is earlier.
func queryTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			return left
		}
	}

	return timeout
}
