package storage

import (
	"context"
	"time"

	"github.com/roman-kulish/lr-logger/internal/calibration"
	"github.com/roman-kulish/lr-logger/internal/controller"
	"github.com/roman-kulish/lr-logger/internal/device"
)

// Session is a recorded acquisition session.
type Session struct {
	ID           string
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
	Descriptor   *device.DeviceDescriptor
	Channels     []device.ChannelSpec
	StartedAt    time.Time
	StoppedAt    *time.Time
	Capacity     *calibration.CapacityTest
}

// Store persists acquisition sessions and their calibrated samples.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession records the start of an acquisition session.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - session: Running session as reported by the controller
	//
	// Returns:
	//   - error: If the session already exists, insertion fails or context is cancelled
	CreateSession(ctx context.Context, session *controller.AcquisitionSession) error

	// StoreSamples saves calibrated samples of a session. Samples are written
	// in chunks of at most the configured batch size, one transaction per chunk.
	// Re-storing a (session, sequence, channel) triple is a no-op.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - sessionID: ID of the session the samples belong to
	//   - samples: Calibrated samples in any order
	//
	// Returns:
	//   - error: If storage fails or context is cancelled
	StoreSamples(ctx context.Context, sessionID string, samples []calibration.CalibratedSample) error

	// FinishSession records the stop time and the final capacity test state,
	// if any.
	FinishSession(ctx context.Context, sessionID string, stoppedAt time.Time, capacity *calibration.CapacityTest) error

	// Session returns a session by its ID.
	//
	// Returns:
	//   - session: Session data
	//   - error: ErrSessionNotFound if there is no such session
	Session(ctx context.Context, id string) (*Session, error)

	// Sessions returns all sessions ordered by start time.
	Sessions(ctx context.Context) ([]*Session, error)

	// Close releases all database connections and resources.
	// It is safe to call Close multiple times.
	Close() error
}
