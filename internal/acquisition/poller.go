// Package acquisition polls a running instrument for sample values.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/lr-logger/internal/device"
	"github.com/roman-kulish/lr-logger/internal/scpi"
	"github.com/roman-kulish/lr-logger/internal/transport"
)

const (
	DefaultInterval       = 100 * time.Millisecond
	DefaultQueryTimeout   = 3 * time.Second
	DefaultStallThreshold = 3

	snapshotCommand = ":MEMory:GETReal"
)

// FetchMode selects ASCII or binary block value fetching.
type FetchMode string

const (
	FetchASCII  FetchMode = "ascii"
	FetchBinary FetchMode = "binary"
)

// Fetcher is the part of a transport the poller needs.
type Fetcher interface {
	Write(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	QueryBlock(ctx context.Context, cmd string, timeout time.Duration) ([]byte, error)
}

// Handler receives poller output on the poller goroutine, in order.
type Handler interface {
	HandleFrame(frame SampleFrame)
	HandleError(err error)
}

// Observer is notified about poll activity.
type Observer interface {
	ObserveTick(elapsed time.Duration, values, missing int)
	ObserveFetchError(channel string)
	ObserveStall()
}

type nopObserver struct{}

func (nopObserver) ObserveTick(time.Duration, int, int) {}
func (nopObserver) ObserveFetchError(string)            {}
func (nopObserver) ObserveStall()                       {}

// Config is the poller's snapshot of the confirmed configuration.
type Config struct {
	Interval       time.Duration
	Channels       []device.ChannelID
	QueryTimeout   time.Duration
	StallThreshold int
	Mode           FetchMode
	BlockWidth     scpi.ElementWidth

	// Resolution maps a channel to the physical value of one integer block
	// element. Channels without an entry keep the raw element value.
	Resolution map[device.ChannelID]float64
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}

	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}

	if c.StallThreshold <= 0 {
		c.StallThreshold = DefaultStallThreshold
	}

	if c.Mode == "" {
		c.Mode = FetchASCII
	}

	if c.BlockWidth == 0 {
		c.BlockWidth = scpi.Int16
	}
}

func (c Config) Validate() error {
	if len(c.Channels) == 0 {
		return errors.New("no channels to poll")
	}

	if c.Mode != FetchASCII && c.Mode != FetchBinary {
		return fmt.Errorf("unknown fetch mode %q", c.Mode)
	}

	switch c.BlockWidth {
	case scpi.Int16, scpi.Uint32, scpi.Float64:
	default:
		return fmt.Errorf("unsupported block element width %d", int(c.BlockWidth))
	}

	for ch, lsb := range c.Resolution {
		if lsb <= 0 {
			return fmt.Errorf("channel %s: resolution must be positive, got %v", ch, lsb)
		}
	}

	for _, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Poller runs one acquisition loop. A Poller is used for one session only.
type Poller struct {
	cfg      Config
	fetcher  Fetcher
	logger   *slog.Logger
	observer Observer

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	tick  uint64
	seq   uint64
	empty int
}

func WithLogger(logger *slog.Logger) func(p *Poller) {
	return func(p *Poller) {
		p.logger = logger.With(slog.String("component", "poller"))
	}
}

func WithObserver(o Observer) func(p *Poller) {
	return func(p *Poller) {
		if o != nil {
			p.observer = o
		}
	}
}

func New(cfg Config, fetcher Fetcher, options ...func(p *Poller)) (*Poller, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Poller{
		cfg:      cfg,
		fetcher:  fetcher,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer: nopObserver{},
		stop:     make(chan struct{}),
	}

	// the caller's slice must not alter what is polled
	p.cfg.Channels = append([]device.ChannelID(nil), cfg.Channels...)
	p.cfg.Resolution = maps.Clone(cfg.Resolution)

	for _, option := range options {
		option(p)
	}

	return p, nil
}

// Channels returns the polled channels in poll order.
func (p *Poller) Channels() []device.ChannelID {
	return append([]device.ChannelID(nil), p.cfg.Channels...)
}

// Run polls until Stop is called, ctx is done or the transport fails
// fatally. Frames and errors are handed to h on the calling goroutine. Stop
// is observed between ticks only.
func (p *Poller) Run(ctx context.Context, h Handler) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("poller is already running")
	}
	defer p.running.Store(false)

	select {
	case <-p.stop:
		return nil
	default:
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("polling started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("channels", len(p.cfg.Channels)),
		slog.String("mode", string(p.cfg.Mode)))

	for {
		if !p.running.Load() {
			return nil
		}

		frame, err := p.Tick(ctx)
		if err != nil {
			h.HandleError(err)

			if ctx.Err() != nil {
				return ctx.Err()
			}

			if transport.IsFatal(err) || errors.Is(err, transport.ErrClosed) {
				p.logger.Error("polling aborted", slog.String("error", err.Error()))
				return err
			}
		} else {
			h.HandleFrame(frame)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			p.logger.Info("polling stopped", slog.Uint64("ticks", p.tick), slog.Uint64("frames", p.seq))
			return nil
		case <-ticker.C:
		}
	}
}

// Stop asks Run to return before its next tick. It does not wait.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		close(p.stop)
	})
}

// Tick performs one poll cycle. Timestamps advance with every tick while
// sequence numbers advance only for emitted frames, so they stay gap-free.
func (p *Poller) Tick(ctx context.Context) (SampleFrame, error) {
	start := time.Now()

	p.tick++

	frame := SampleFrame{
		Tick:      p.tick,
		Timestamp: float64(p.tick) * p.cfg.Interval.Seconds(),
		Values:    make(map[device.ChannelID]float64, len(p.cfg.Channels)),
	}

	if err := p.fetcher.Write(ctx, snapshotCommand); err != nil {
		if fatal(ctx, err) {
			return SampleFrame{}, err
		}

		p.logger.Warn("snapshot trigger failed", slog.Uint64("tick", p.tick), slog.String("error", err.Error()))

		return SampleFrame{}, p.noData(fmt.Errorf("snapshot: %w", err))
	}

	for _, ch := range p.cfg.Channels {
		v, err := p.fetch(ctx, ch)
		if err != nil {
			if fatal(ctx, err) {
				return SampleFrame{}, err
			}

			p.observer.ObserveFetchError(ch.String())
			p.logger.Warn("fetch failed", slog.String("channel", ch.String()), slog.String("error", err.Error()))
		}

		if err != nil || IsNoData(v) {
			frame.Missing = append(frame.Missing, ch)
			continue
		}

		frame.Values[ch] = v
	}

	p.observer.ObserveTick(time.Since(start), len(frame.Values), len(frame.Missing))

	if len(frame.Values) == 0 {
		return SampleFrame{}, p.noData(nil)
	}

	p.empty = 0
	p.seq++
	frame.Sequence = p.seq

	return frame, nil
}

func (p *Poller) noData(cause error) error {
	p.empty++

	if p.empty%p.cfg.StallThreshold == 0 {
		p.observer.ObserveStall()
		p.logger.Error("acquisition stalled", slog.Int("ticks", p.empty))

		return &StallError{Ticks: p.empty}
	}

	if cause != nil {
		return fmt.Errorf("tick %d: %w: %w", p.tick, ErrNoData, cause)
	}

	return fmt.Errorf("tick %d: %w", p.tick, ErrNoData)
}

func (p *Poller) fetch(ctx context.Context, ch device.ChannelID) (float64, error) {
	if p.cfg.Mode == FetchBinary {
		payload, err := p.fetcher.QueryBlock(ctx, ":MEMory:BFETch? "+ch.String(), p.cfg.QueryTimeout)
		if err != nil {
			return 0, err
		}

		values, err := scpi.DecodeElements(payload, p.cfg.BlockWidth)
		if err != nil {
			return 0, err
		}

		if len(values) == 0 {
			return NoData, nil
		}

		v := values[len(values)-1]

		// floating point elements already carry physical values
		if lsb, ok := p.cfg.Resolution[ch]; ok && p.cfg.BlockWidth != scpi.Float64 {
			v *= lsb
		}

		return v, nil
	}

	reply, err := p.fetcher.Query(ctx, ":MEMory:VREAL? "+ch.String(), p.cfg.QueryTimeout)
	if err != nil {
		return 0, err
	}

	return parseValue(reply)
}

// parseValue reads the numeric field of a reply, tolerating a header echo.
func parseValue(reply string) (float64, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 {
		return 0, scpi.NewFramingError("empty value reply")
	}

	last := fields[len(fields)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}

	v, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, scpi.NewFramingError("value reply %q is not numeric", reply)
	}

	return v, nil
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || transport.IsFatal(err) || errors.Is(err, transport.ErrClosed)
}
