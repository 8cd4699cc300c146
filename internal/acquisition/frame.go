package acquisition

import (
	"errors"
	"fmt"
	"math"

	"github.com/roman-kulish/lr-logger/internal/device"
)

// NoData is the value the instrument returns for a channel with no sample.
const NoData = 9.99999e99

const noDataTolerance = NoData * 1e-5

// IsNoData reports whether v is the instrument's "no data" marker.
func IsNoData(v float64) bool {
	return math.Abs(math.Abs(v)-NoData) <= noDataTolerance || math.IsInf(v, 0) || math.IsNaN(v)
}

// SampleFrame holds the raw values read in one poll tick. Channels that
// produced no value are listed in Missing and absent from Values.
type SampleFrame struct {
	Sequence  uint64
	Tick      uint64
	Timestamp float64 // seconds since acquisition start
	Values    map[device.ChannelID]float64
	Missing   []device.ChannelID
}

// Value returns the raw value of ch and whether it was present.
func (f SampleFrame) Value(ch device.ChannelID) (float64, bool) {
	v, ok := f.Values[ch]
	return v, ok
}

// ErrNoData is reported for a tick in which no channel produced a value.
var ErrNoData = errors.New("poll tick produced no data")

// StallError reports consecutive ticks without data.
type StallError struct {
	Ticks int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("acquisition stalled: %d consecutive ticks without data", e.Ticks)
}

func (e *StallError) Unwrap() error {
	return ErrNoData
}
