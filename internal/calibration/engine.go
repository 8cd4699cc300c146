package calibration

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roman-kulish/lr-logger/internal/acquisition"
	"github.com/roman-kulish/lr-logger/internal/device"
)

var (
	ErrCapacityTestActive = errors.New("a capacity test is already running")
	ErrNoCapacityTest     = errors.New("no capacity test is running")
)

// CalibratedSample is one channel value of a frame after calibration. Raw
// keeps the reading as received so faults remain diagnosable.
type CalibratedSample struct {
	Channel   device.ChannelID `json:"channel"`
	Role      string           `json:"role"`
	Value     float64          `json:"value"`
	Raw       float64          `json:"raw"`
	Fault     bool             `json:"fault"`
	Sequence  uint64           `json:"sequence"`
	Timestamp float64          `json:"timestamp"`
}

// Batch is the calibrated output of one frame.
type Batch struct {
	Sequence  uint64
	Timestamp float64
	Samples   []CalibratedSample
	Capacity  *CapacityTest
}

// CapacityTest integrates a constant current over frame time.
type CapacityTest struct {
	Active        bool    `json:"active"`
	CurrentMA     float64 `json:"currentMA"`
	Role          string  `json:"role"`
	StartSequence uint64  `json:"startSequence"`
	CapacityMAh   float64 `json:"capacityMAh"`
	LastSequence  uint64  `json:"lastSequence"`
	LastTimestamp float64 `json:"lastTimestamp"`
}

// Observer is notified about faults and capacity changes.
type Observer interface {
	ObserveSensorFault(channel string)
	ObserveCapacity(mAh float64)
}

type nopObserver struct{}

func (nopObserver) ObserveSensorFault(string) {}
func (nopObserver) ObserveCapacity(float64)   {}

// Engine calibrates frames for one acquisition session.
type Engine struct {
	channels map[device.ChannelID]device.ChannelSpec
	order    map[device.ChannelID]int
	table    atomic.Pointer[Table]
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	lastSeq  uint64
	lastTime float64
	capacity *CapacityTest
}

func WithLogger(logger *slog.Logger) func(e *Engine) {
	return func(e *Engine) {
		e.logger = logger.With(slog.String("component", "calibration"))
	}
}

func WithObserver(o Observer) func(e *Engine) {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

func NewEngine(channels []device.ChannelSpec, table Table, options ...func(e *Engine)) *Engine {
	e := &Engine{
		channels: make(map[device.ChannelID]device.ChannelSpec, len(channels)),
		order:    make(map[device.ChannelID]int, len(channels)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer: nopObserver{},
	}

	for i, ch := range channels {
		e.channels[ch.ID] = ch
		e.order[ch.ID] = i
	}

	e.SetCalibration(table)

	for _, option := range options {
		option(e)
	}

	return e
}

// SetCalibration replaces the calibration table. Frames processed after the
// call use the new table; samples already returned are unaffected.
func (e *Engine) SetCalibration(table Table) {
	t := table.clone()
	e.table.Store(&t)
}

// Calibration returns a copy of the current table.
func (e *Engine) Calibration() Table {
	return e.table.Load().clone()
}

// Process calibrates every value present in frame. Values beyond
// FaultMargin times the channel range are reported as 0 with Fault set.
func (e *Engine) Process(frame acquisition.SampleFrame) Batch {
	table := *e.table.Load()

	batch := Batch{
		Sequence:  frame.Sequence,
		Timestamp: frame.Timestamp,
		Samples:   make([]CalibratedSample, 0, len(frame.Values)),
	}

	for id, raw := range frame.Values {
		spec, ok := e.channels[id]
		if !ok {
			e.logger.Warn("value for unconfigured channel", slog.String("channel", id.String()))
			continue
		}

		s := CalibratedSample{
			Channel:   id,
			Role:      spec.RoleName(),
			Raw:       raw,
			Sequence:  frame.Sequence,
			Timestamp: frame.Timestamp,
		}

		if IsFault(raw, spec.Range) {
			s.Fault = true
			e.observer.ObserveSensorFault(id.String())
			e.logger.Debug("sensor fault", slog.String("channel", id.String()), slog.Float64("raw", raw), slog.Float64("range", spec.Range))
		} else {
			s.Value = Calibrate(raw, table.Lookup(s.Role))
		}

		batch.Samples = append(batch.Samples, s)
	}

	e.sortSamples(batch.Samples)

	e.mu.Lock()
	defer e.mu.Unlock()

	if c := e.capacity; c != nil && c.Active && frame.Sequence > c.StartSequence {
		dt := frame.Timestamp - c.LastTimestamp
		if dt > 0 {
			c.CapacityMAh += c.CurrentMA * dt / 3600
		}

		c.LastSequence = frame.Sequence
		c.LastTimestamp = frame.Timestamp

		e.observer.ObserveCapacity(c.CapacityMAh)
	}

	if e.capacity != nil {
		snapshot := *e.capacity
		batch.Capacity = &snapshot
	}

	e.lastSeq = frame.Sequence
	e.lastTime = frame.Timestamp

	return batch
}

// StartCapacityTest starts integrating currentMA from the last processed
// frame onwards.
func (e *Engine) StartCapacityTest(role string, currentMA float64) error {
	if math.IsNaN(currentMA) || math.IsInf(currentMA, 0) || currentMA == 0 {
		return fmt.Errorf("invalid test current %v mA", currentMA)
	}

	if !e.hasRole(role) {
		return fmt.Errorf("no channel has role %q", role)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.capacity != nil && e.capacity.Active {
		return ErrCapacityTestActive
	}

	e.capacity = &CapacityTest{
		Active:        true,
		CurrentMA:     currentMA,
		Role:          role,
		StartSequence: e.lastSeq,
		LastSequence:  e.lastSeq,
		LastTimestamp: e.lastTime,
	}

	e.logger.Info("capacity test started", slog.String("role", role), slog.Float64("currentMA", currentMA), slog.Uint64("sequence", e.lastSeq))

	return nil
}

// StopCapacityTest freezes the running test and returns its final state.
func (e *Engine) StopCapacityTest() (CapacityTest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.capacity == nil || !e.capacity.Active {
		return CapacityTest{}, ErrNoCapacityTest
	}

	e.capacity.Active = false

	e.logger.Info("capacity test finished", slog.String("role", e.capacity.Role), slog.Float64("capacityMAh", e.capacity.CapacityMAh))

	return *e.capacity, nil
}

// Capacity returns the current or last capacity test, if any.
func (e *Engine) Capacity() (CapacityTest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.capacity == nil {
		return CapacityTest{}, false
	}

	return *e.capacity, true
}

func (e *Engine) hasRole(role string) bool {
	for _, spec := range e.channels {
		if spec.RoleName() == role {
			return true
		}
	}

	return false
}

// sortSamples orders samples as the channels were configured.
func (e *Engine) sortSamples(samples []CalibratedSample) {
	slices.SortFunc(samples, func(a, b CalibratedSample) int {
		return cmp.Compare(e.order[a.Channel], e.order[b.Channel])
	})
}
