// Package controller drives an instrument through connection, channel
// configuration and acquisition, and hands calibrated samples to a sink.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/lr-logger/internal/acquisition"
	"github.com/roman-kulish/lr-logger/internal/calibration"
	"github.com/roman-kulish/lr-logger/internal/device"
	"github.com/roman-kulish/lr-logger/internal/scpi"
	"github.com/roman-kulish/lr-logger/internal/transport"
)

const (
	DefaultIdentifyTimeout = 5 * time.Second
	DefaultStopAttempts    = 5
	DefaultStopRetryDelay  = 200 * time.Millisecond

	// statusMeasuring is the :STATus? bit set while the instrument acquires.
	statusMeasuring = 1
)

// Config holds connection and acquisition settings.
type Config struct {
	Address         string
	Mode            transport.Mode
	DialTimeout     time.Duration
	QueryTimeout    time.Duration
	IdentifyTimeout time.Duration
	ProbeTimeout    time.Duration
	Cooldown        time.Duration
	PollInterval    time.Duration
	FetchMode       acquisition.FetchMode
	BlockWidth      scpi.ElementWidth
	StallThreshold  int
	StopAttempts    int
	StopRetryDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = transport.Persistent
	}

	if c.QueryTimeout <= 0 {
		c.QueryTimeout = acquisition.DefaultQueryTimeout
	}

	if c.IdentifyTimeout <= 0 {
		c.IdentifyTimeout = DefaultIdentifyTimeout
	}

	if c.StopAttempts <= 0 {
		c.StopAttempts = DefaultStopAttempts
	}

	if c.StopRetryDelay <= 0 {
		c.StopRetryDelay = DefaultStopRetryDelay
	}
}

// AcquisitionSession binds the identified device, the confirmed channels
// and the run state of one acquisition.
type AcquisitionSession struct {
	ID         string
	Descriptor device.DeviceDescriptor
	Channels   []device.ChannelSpec
	StartedAt  time.Time
	StoppedAt  time.Time
	Running    bool
	Capacity   *calibration.CapacityTest
}

// Observer receives metrics from every stage of the pipeline.
type Observer interface {
	acquisition.Observer
	calibration.Observer
	ObserveConfiguration(succeeded, requested int)
	ObserveState(state string)
}

type nopObserver struct{}

func (nopObserver) ObserveTick(time.Duration, int, int) {}
func (nopObserver) ObserveFetchError(string)            {}
func (nopObserver) ObserveStall()                       {}
func (nopObserver) ObserveSensorFault(string)           {}
func (nopObserver) ObserveCapacity(float64)             {}
func (nopObserver) ObserveConfiguration(int, int)       {}
func (nopObserver) ObserveState(string)                 {}

// Controller owns the connection and the channel and calibration
// configuration of one instrument. Mutating operations are serialized.
type Controller struct {
	cfg      Config
	sink     Sink
	logger   *slog.Logger
	observer Observer
	dial     func(ctx context.Context) (transport.Transport, error)

	state atomic.Int32

	mu         sync.Mutex
	tr         transport.Transport
	identity   device.Identity
	modules    []device.ModuleInfo
	channels   []device.ChannelSpec
	configured bool
	table      calibration.Table
	session    *AcquisitionSession
	last       *AcquisitionSession
	engine     *calibration.Engine
	poller     *acquisition.Poller
	gate       *delivery
	done       chan struct{}
}

func WithLogger(logger *slog.Logger) func(c *Controller) {
	return func(c *Controller) {
		c.logger = logger
	}
}

func WithObserver(o Observer) func(c *Controller) {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithDialer replaces how the transport is created.
func WithDialer(dial func(ctx context.Context) (transport.Transport, error)) func(c *Controller) {
	return func(c *Controller) {
		c.dial = dial
	}
}

// WithCalibration sets the initial calibration table.
func WithCalibration(table calibration.Table) func(c *Controller) {
	return func(c *Controller) {
		c.table = table
	}
}

func New(cfg Config, sink Sink, options ...func(c *Controller)) *Controller {
	cfg.applyDefaults()

	if sink == nil {
		sink = SinkFuncs{}
	}

	c := &Controller{
		cfg:      cfg,
		sink:     sink,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer: nopObserver{},
		table:    calibration.Table{},
	}

	for _, option := range options {
		option(c)
	}

	c.logger = c.logger.With(slog.String("component", "controller"), slog.String("address", cfg.Address))

	if c.dial == nil {
		c.dial = func(ctx context.Context) (transport.Transport, error) {
			return transport.New(ctx, c.cfg.Mode, c.cfg.Address,
				transport.WithLogger(c.logger),
				transport.WithDialTimeout(c.cfg.DialTimeout),
				transport.WithCooldown(c.cfg.Cooldown))
		}
	}

	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Identity returns the identity resolved by the last Connect.
func (c *Controller) Identity() device.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.identity
}

// Channels returns the confirmed channel configuration.
func (c *Controller) Channels() []device.ChannelSpec {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]device.ChannelSpec(nil), c.channels...)
}

// Session returns the running session, or the last finished one.
func (c *Controller) Session() (AcquisitionSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		s = c.last
	}

	if s == nil {
		return AcquisitionSession{}, false
	}

	return *s, true
}

// Connect opens the transport and identifies the instrument. An unmapped
// device leaves the controller Idle and is reported with a
// *device.ProtocolIncompatibleError so the caller can decide to proceed.
func (c *Controller) Connect(ctx context.Context) (device.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Disconnected {
		return device.Identity{}, fmt.Errorf("connect: %w (state %s)", ErrInvalidState, c.State())
	}

	c.setState(Connecting)
	c.emit(EventConnecting, "connecting to "+c.cfg.Address, nil)

	tr, err := c.dial(ctx)
	if err != nil {
		return device.Identity{}, c.abortConnect(fmt.Errorf("connect: %w", err))
	}

	c.tr = tr
	c.setState(Identifying)

	var reply string

	for attempt := 0; attempt < 2; attempt++ {
		if reply, err = tr.Query(ctx, "*IDN?", c.cfg.IdentifyTimeout); err == nil || transport.IsFatal(err) || ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		return device.Identity{}, c.abortConnect(fmt.Errorf("identify: %w", err))
	}

	identity, err := device.Resolve(reply)

	var incompatible *device.ProtocolIncompatibleError
	if err != nil && !errors.As(err, &incompatible) {
		return device.Identity{}, c.abortConnect(err)
	}

	for _, cmd := range []string{identity.Descriptor.Dialect.HeaderOffCommand(), "*CLS"} {
		if werr := tr.Write(ctx, cmd); werr != nil {
			if transport.IsFatal(werr) || ctx.Err() != nil {
				return device.Identity{}, c.abortConnect(fmt.Errorf("%s: %w", cmd, werr))
			}

			c.logger.Warn("session setup command failed", slog.String("command", cmd), slog.String("error", werr.Error()))
		}
	}

	c.identity = identity
	c.modules = identity.Descriptor.Modules

	c.setState(Idle)

	c.logger.Info("connected",
		slog.String("device", identity.Display.String()),
		slog.String("serial", identity.Descriptor.Serial),
		slog.String("firmware", identity.Descriptor.Firmware),
		slog.String("dialect", identity.Descriptor.Dialect.String()))

	c.emit(EventConnected, identity.Display.String(), nil)

	if incompatible != nil {
		c.logger.Warn("device is not a supported model", slog.String("model", identity.Descriptor.Model))
		c.emit(EventError, incompatible.Error(), incompatible)

		return identity, incompatible
	}

	return identity, nil
}

func (c *Controller) abortConnect(err error) error {
	c.closeTransport()
	c.setState(Disconnected)

	c.logger.Error("connection failed", slog.String("error", err.Error()))
	c.emit(EventError, err.Error(), err)

	return err
}

type configureOptions struct {
	allowPartial bool
	restart      bool
}

// ConfigureOption changes how Configure treats the result.
type ConfigureOption func(o *configureOptions)

// AllowPartial accepts the succeeded subset when not every channel could
// be configured.
func AllowPartial() ConfigureOption {
	return func(o *configureOptions) {
		o.allowPartial = true
	}
}

// WithRestart restarts acquisition after configuring if it was running.
func WithRestart() ConfigureOption {
	return func(o *configureOptions) {
		o.restart = true
	}
}

// Configure applies specs to the instrument. When acquisition is running it
// is stopped first and, with WithRestart, started again on success.
func (c *Controller) Configure(ctx context.Context, specs []device.ChannelSpec, options ...ConfigureOption) (device.ConfigResult, error) {
	var opts configureOptions
	for _, option := range options {
		option(&opts)
	}

	if err := device.ValidateChannels(specs); err != nil {
		return device.ConfigResult{}, fmt.Errorf("configure: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wasRunning := false

	switch c.State() {
	case Idle:
	case Running:
		wasRunning = true

		if err := c.stopLocked(ctx); err != nil {
			var se *StopError
			if !errors.As(err, &se) || c.State() != Idle {
				return device.ConfigResult{}, fmt.Errorf("configure: %w", err)
			}

			c.logger.Warn("reconfiguring after unconfirmed stop", slog.String("error", err.Error()))
		}
	default:
		return device.ConfigResult{}, fmt.Errorf("configure: %w (state %s)", ErrInvalidState, c.State())
	}

	c.setState(Configuring)
	c.emit(EventConfiguring, fmt.Sprintf("configuring %d channels", len(specs)), nil)

	c.configured = false
	c.channels = nil

	configurator := device.NewConfigurator(c.tr,
		device.WithConfiguratorLogger(c.logger),
		device.WithQueryTimeout(c.cfg.QueryTimeout),
		device.WithProbeTimeout(c.cfg.ProbeTimeout))

	if len(c.modules) == 0 {
		modules, err := configurator.DetectModules(ctx)
		if err != nil {
			return device.ConfigResult{}, c.configureFailed(err)
		}

		c.modules = modules
	}

	result, err := configurator.Configure(ctx, c.modules, specs)
	c.observer.ObserveConfiguration(result.Succeeded, result.Requested)

	var partial *device.PartialFailureError

	switch {
	case err == nil:
		c.configured = true
	case errors.As(err, &partial):
		if opts.allowPartial && result.Succeeded > 0 {
			c.configured = true
		}
	default:
		return result, c.configureFailed(err)
	}

	if c.configured {
		c.channels = result.Confirmed
	}

	c.setState(Idle)

	if err != nil {
		c.emit(EventError, err.Error(), err)
	}

	if c.configured && wasRunning && opts.restart {
		if serr := c.startLocked(ctx); serr != nil {
			return result, errors.Join(err, serr)
		}
	}

	return result, err
}

func (c *Controller) configureFailed(err error) error {
	err = fmt.Errorf("configure: %w", err)

	if transport.IsFatal(err) {
		c.lost(err)
	} else {
		c.setState(Idle)
		c.emit(EventError, err.Error(), err)
	}

	return err
}

// Start begins acquisition with the confirmed configuration. It does
// nothing when acquisition is already running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case Running:
		return nil
	case Idle:
	default:
		return fmt.Errorf("start: %w (state %s)", ErrInvalidState, c.State())
	}

	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	if !c.configured || len(c.channels) == 0 {
		return fmt.Errorf("start: %w", ErrNotConfigured)
	}

	ids := make([]device.ChannelID, len(c.channels))
	resolution := make(map[device.ChannelID]float64, len(c.channels))

	for i, ch := range c.channels {
		ids[i] = ch.ID
		resolution[ch.ID] = ch.Resolution()
	}

	poller, err := acquisition.New(acquisition.Config{
		Interval:       c.cfg.PollInterval,
		Channels:       ids,
		QueryTimeout:   c.cfg.QueryTimeout,
		StallThreshold: c.cfg.StallThreshold,
		Mode:           c.cfg.FetchMode,
		BlockWidth:     c.cfg.BlockWidth,
		Resolution:     resolution,
	}, c.tr, acquisition.WithLogger(c.logger), acquisition.WithObserver(c.observer))
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err = c.tr.Write(ctx, ":STARt"); err == nil || transport.IsFatal(err) || ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		err = fmt.Errorf("start: %w", err)
		if transport.IsFatal(err) {
			c.lost(err)
		} else {
			c.emit(EventError, err.Error(), err)
		}

		return err
	}

	channels := append([]device.ChannelSpec(nil), c.channels...)

	c.engine = calibration.NewEngine(channels, c.table, calibration.WithLogger(c.logger), calibration.WithObserver(c.observer))
	c.poller = poller
	c.session = &AcquisitionSession{
		ID:         uuid.NewString(),
		Descriptor: c.identity.Descriptor,
		Channels:   channels,
		StartedAt:  time.Now(),
		Running:    true,
	}

	gate := &delivery{}
	gate.open.Store(true)

	done := make(chan struct{})
	c.gate, c.done = gate, done

	go c.work(poller, c.engine, gate, done)

	c.setState(Running)

	c.logger.Info("acquisition started", slog.String("session", c.session.ID), slog.Int("channels", len(channels)))
	c.emit(EventRunning, c.session.ID, nil)

	return nil
}

// work runs the poller on its own goroutine until it is stopped or the
// transport fails. A failed transport ends the session and the connection.
func (c *Controller) work(poller *acquisition.Poller, engine *calibration.Engine, gate *delivery, done chan struct{}) {
	err := poller.Run(context.Background(), &frameHandler{c: c, engine: engine, gate: gate})
	close(done)

	if err == nil {
		return
	}

	c.logger.Error("acquisition aborted", slog.String("error", err.Error()))

	c.mu.Lock()
	defer c.mu.Unlock()

	// Stop got here first
	if c.poller != poller {
		return
	}

	gate.open.Store(false)
	c.closeSession()
	c.lost(fmt.Errorf("acquisition: %w", err))
}

// delivery gates the sink calls made by one session's worker.
type delivery struct {
	open   atomic.Bool
	inSink atomic.Bool
}

func (d *delivery) call(fn func()) {
	d.inSink.Store(true)
	defer d.inSink.Store(false)

	if d.open.Load() {
		fn()
	}
}

type frameHandler struct {
	c      *Controller
	engine *calibration.Engine
	gate   *delivery
}

func (h *frameHandler) HandleFrame(frame acquisition.SampleFrame) {
	batch := h.engine.Process(frame)

	h.gate.call(func() {
		h.c.sink.OnSamples(batch)
	})
}

func (h *frameHandler) HandleError(err error) {
	h.gate.call(func() {
		h.c.sink.OnEvent(Event{Kind: EventError, State: h.c.State(), Message: err.Error(), Err: err, Time: time.Now()})
	})
}

// Stop ends acquisition. The sink stops receiving samples first, then the
// instrument is told to stop and polling is halted. Stop does nothing when
// acquisition is not running.
//
// Stop may be called from a Sink callback. When a callback is still running
// once the instrument has stopped, Stop returns without waiting for it.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Running {
		return nil
	}

	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	c.setState(Stopping)

	gate, done := c.gate, c.done
	gate.open.Store(false)

	stopErr := c.stopDevice(ctx)

	c.poller.Stop()

	// the running callback may be our caller
	if !gate.inSink.Load() {
		<-done
	}

	id := c.session.ID
	c.closeSession()

	if transport.IsFatal(stopErr) {
		c.lost(stopErr)
		return stopErr
	}

	c.setState(Idle)

	c.logger.Info("acquisition stopped", slog.String("session", id))
	c.emit(EventStopped, id, stopErr)

	return stopErr
}

// closeSession freezes the capacity test and retires the running session.
func (c *Controller) closeSession() {
	if capacity, err := c.engine.StopCapacityTest(); err == nil {
		c.session.Capacity = &capacity
	} else if capacity, ok := c.engine.Capacity(); ok {
		c.session.Capacity = &capacity
	}

	c.session.Running = false
	c.session.StoppedAt = time.Now()
	c.last, c.session = c.session, nil
	c.poller, c.gate, c.done = nil, nil, nil
}

// stopDevice sends :STOP and waits for the measuring status bit to clear,
// retrying up to StopAttempts times.
func (c *Controller) stopDevice(ctx context.Context) error {
	var err error

	for attempt := 1; attempt <= c.cfg.StopAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return &StopError{Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(c.cfg.StopRetryDelay):
			}
		}

		if err = c.confirmStop(ctx); err == nil {
			return nil
		}

		if transport.IsFatal(err) || errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("stop: %w", err)
		}

		c.logger.Warn("stop not confirmed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}

	return &StopError{Attempts: c.cfg.StopAttempts, Err: err}
}

func (c *Controller) confirmStop(ctx context.Context) error {
	if err := c.tr.Write(ctx, ":STOP"); err != nil {
		return err
	}

	reply, err := c.tr.Query(ctx, ":STATus?", c.cfg.QueryTimeout)
	if err != nil {
		return err
	}

	status, err := strconv.Atoi(lastField(reply))
	if err != nil {
		return scpi.NewFramingError("status reply %q is not an integer", reply)
	}

	if status&statusMeasuring != 0 {
		return fmt.Errorf("instrument still measuring (status %d)", status)
	}

	return nil
}

// Disconnect stops acquisition if needed and closes the transport. The
// device identity and channel configuration are discarded.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Disconnected {
		return nil
	}

	var err error
	if c.State() == Running {
		err = c.stopLocked(ctx)
	}

	if c.State() == Disconnected {
		return err
	}

	c.closeTransport()
	c.reset()
	c.setState(Disconnected)

	c.logger.Info("disconnected")
	c.emit(EventDisconnected, "", nil)

	return err
}

// SetCalibration replaces the calibration table. A running session applies
// it from the next frame on.
func (c *Controller) SetCalibration(table calibration.Table) error {
	if err := table.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.table = table

	if c.engine != nil && c.session != nil {
		c.engine.SetCalibration(table)
	}

	return nil
}

// StartCapacityTest begins integrating currentMA for role in the running session.
func (c *Controller) StartCapacityTest(role string, currentMA float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Running {
		return fmt.Errorf("capacity test: %w (state %s)", ErrInvalidState, c.State())
	}

	return c.engine.StartCapacityTest(role, currentMA)
}

// StopCapacityTest freezes and returns the running capacity test.
func (c *Controller) StopCapacityTest() (calibration.CapacityTest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Running {
		return calibration.CapacityTest{}, fmt.Errorf("capacity test: %w (state %s)", ErrInvalidState, c.State())
	}

	return c.engine.StopCapacityTest()
}

// lost handles a connection that can no longer be used.
func (c *Controller) lost(err error) {
	c.closeTransport()
	c.reset()
	c.setState(Disconnected)

	c.logger.Error("connection lost", slog.String("error", err.Error()))
	c.emit(EventError, err.Error(), err)
}

func (c *Controller) reset() {
	c.identity = device.Identity{}
	c.modules = nil
	c.channels = nil
	c.configured = false
	c.engine = nil
}

func (c *Controller) closeTransport() {
	if c.tr == nil {
		return
	}

	if err := c.tr.Close(); err != nil {
		c.logger.Warn("failed to close transport", slog.String("error", err.Error()))
	}

	c.tr = nil
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.observer.ObserveState(s.String())
}

func (c *Controller) emit(kind EventKind, msg string, err error) {
	c.sink.OnEvent(Event{Kind: kind, State: c.State(), Message: msg, Err: err, Time: time.Now()})
}

func lastField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}

	return fields[len(fields)-1]
}
