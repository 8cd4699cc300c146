// Package calibration turns raw sample frames into calibrated values and
// integrates constant-current capacity over frame time.
package calibration

import (
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// FaultMargin is the multiple of a channel's range above which a reading is
// treated as a disconnected or failed sensor.
const FaultMargin = 1.5

// Params is a linear transform: raw*Scale + Offset.
type Params struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
}

// Unity leaves values unchanged.
var Unity = Params{Scale: 1}

// Calibrate applies p to raw.
func Calibrate(raw float64, p Params) float64 {
	return raw*p.Scale + p.Offset
}

func (p Params) Validate() error {
	if math.IsNaN(p.Scale) || math.IsInf(p.Scale, 0) || math.IsNaN(p.Offset) || math.IsInf(p.Offset, 0) {
		return fmt.Errorf("calibration %+v is not finite", p)
	}

	return nil
}

// UnmarshalYAML defaults a missing scale to 1.
func (p *Params) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Scale  *float64 `yaml:"scale"`
		Offset float64  `yaml:"offset"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	*p = Params{Scale: 1, Offset: raw.Offset}
	if raw.Scale != nil {
		p.Scale = *raw.Scale
	}

	return nil
}

// Table maps channel roles to their calibration.
type Table map[string]Params

// Lookup returns the calibration for role or Unity.
func (t Table) Lookup(role string) Params {
	if p, ok := t[role]; ok {
		return p
	}

	return Unity
}

func (t Table) Validate() error {
	for role, p := range t {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("role %q: %w", role, err)
		}
	}

	return nil
}

func (t Table) clone() Table {
	c := make(Table, len(t))
	for k, v := range t {
		c[k] = v
	}

	return c
}

// IsFault reports whether raw exceeds the fault margin of rng.
func IsFault(raw, rng float64) bool {
	return math.Abs(raw) > rng*FaultMargin
}
