package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/roman-kulish/lr-logger/internal/calibration"
)

// State is the controller lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Identifying
	Idle
	Configuring
	Running
	Stopping
)

var stateNames = [...]string{"disconnected", "connecting", "identifying", "idle", "configuring", "running", "stopping"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}

	return stateNames[s]
}

var (
	ErrInvalidState  = errors.New("operation is not valid in the current state")
	ErrNotConfigured = errors.New("no confirmed channel configuration")
)

// StopError reports that the instrument did not confirm the stop command.
// Polling has been halted regardless.
type StopError struct {
	Attempts int
	Err      error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("device did not confirm stop after %d attempts: %v", e.Attempts, e.Err)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

// EventKind classifies status events.
type EventKind string

const (
	EventConnecting   EventKind = "connecting"
	EventConnected    EventKind = "connected"
	EventConfiguring  EventKind = "configuring"
	EventRunning      EventKind = "running"
	EventStopped      EventKind = "stopped"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
)

// Event is a session status notification.
type Event struct {
	Kind    EventKind
	State   State
	Message string
	Err     error
	Time    time.Time
}

// Sink receives calibrated batches and status events. Calls are made from
// the controller's goroutines and must not block for long.
type Sink interface {
	OnSamples(batch calibration.Batch)
	OnEvent(ev Event)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are ignored.
type SinkFuncs struct {
	Samples func(batch calibration.Batch)
	Events  func(ev Event)
}

func (s SinkFuncs) OnSamples(batch calibration.Batch) {
	if s.Samples != nil {
		s.Samples(batch)
	}
}

func (s SinkFuncs) OnEvent(ev Event) {
	if s.Events != nil {
		s.Events(ev)
	}
}
