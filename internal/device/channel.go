package device

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MaxModules         = 4
	MaxChannelsPerSlot = 30

	// FullScaleCounts is the binary element value at the top of a
	// channel's range. Burnout readings at 1.5x range still fit an int16.
	FullScaleCounts = 20000
)

// ChannelID addresses one channel as module slot and index within the slot.
type ChannelID struct {
	Module int
	Index  int
}

var channelIDPattern = regexp.MustCompile(`^CH(\d)_(\d{1,2})$`)

// ParseChannelID parses the wire form "CH<module>_<index>".
func ParseChannelID(s string) (ChannelID, error) {
	m := channelIDPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return ChannelID{}, fmt.Errorf("invalid channel id %q", s)
	}

	module, _ := strconv.Atoi(m[1])
	index, _ := strconv.Atoi(m[2])

	id := ChannelID{Module: module, Index: index}

	return id, id.Validate()
}

func (c ChannelID) Validate() error {
	if c.Module < 1 || c.Module > MaxModules {
		return fmt.Errorf("channel module %d out of range 1..%d", c.Module, MaxModules)
	}

	if c.Index < 1 || c.Index > MaxChannelsPerSlot {
		return fmt.Errorf("channel index %d out of range 1..%d", c.Index, MaxChannelsPerSlot)
	}

	return nil
}

func (c ChannelID) String() string {
	return fmt.Sprintf("CH%d_%d", c.Module, c.Index)
}

func (c ChannelID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ChannelID) UnmarshalText(text []byte) error {
	id, err := ParseChannelID(string(text))
	if err != nil {
		return err
	}

	*c = id

	return nil
}

func (c *ChannelID) UnmarshalYAML(value *yaml.Node) error {
	return c.UnmarshalText([]byte(value.Value))
}

// MeasurementKind is what a channel measures.
type MeasurementKind string

const (
	Voltage     MeasurementKind = "voltage"
	Temperature MeasurementKind = "temperature"
)

func ParseMeasurementKind(s string) (MeasurementKind, error) {
	switch k := MeasurementKind(strings.ToLower(strings.TrimSpace(s))); k {
	case Voltage, Temperature:
		return k, nil
	default:
		return "", fmt.Errorf("unknown measurement kind %q", s)
	}
}

// inputMode is the :UNIT:INMOde argument.
func (k MeasurementKind) inputMode() string {
	if k == Temperature {
		return "TC"
	}

	return "VOLTAGE"
}

func (k *MeasurementKind) UnmarshalYAML(value *yaml.Node) error {
	kind, err := ParseMeasurementKind(value.Value)
	if err != nil {
		return err
	}

	*k = kind

	return nil
}

// ReferenceMode selects the thermocouple cold-junction reference.
type ReferenceMode string

const (
	ReferenceInternal ReferenceMode = "internal"
	ReferenceExternal ReferenceMode = "external"
)

func ParseReferenceMode(s string) (ReferenceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "internal", "int":
		return ReferenceInternal, nil
	case "external", "ext":
		return ReferenceExternal, nil
	default:
		return "", fmt.Errorf("unknown reference mode %q", s)
	}
}

func (r ReferenceMode) wire() string {
	if r == ReferenceExternal {
		return "EXT"
	}

	return "INT"
}

func (r *ReferenceMode) UnmarshalYAML(value *yaml.Node) error {
	mode, err := ParseReferenceMode(value.Value)
	if err != nil {
		return err
	}

	*r = mode

	return nil
}

var thermocoupleTypes = map[string]struct{}{
	"K": {}, "J": {}, "E": {}, "T": {}, "N": {}, "R": {}, "S": {}, "B": {}, "W": {},
}

// ChannelSpec is one requested channel configuration.
type ChannelSpec struct {
	ID           ChannelID       `yaml:"id" json:"id"`
	Kind         MeasurementKind `yaml:"kind" json:"kind"`
	Range        float64         `yaml:"range" json:"range"`
	Thermocouple string          `yaml:"thermocouple,omitempty" json:"thermocouple,omitempty"`
	Reference    ReferenceMode   `yaml:"reference,omitempty" json:"reference,omitempty"`
	Role         string          `yaml:"role,omitempty" json:"role,omitempty"`
	Enabled      bool            `yaml:"enabled" json:"enabled"`
}

// RoleName returns the calibration role, defaulting to the channel id.
func (c ChannelSpec) RoleName() string {
	if c.Role != "" {
		return c.Role
	}

	return c.ID.String()
}

// Resolution returns the physical value of one binary element count.
func (c ChannelSpec) Resolution() float64 {
	return c.Range / FullScaleCounts
}

func (c ChannelSpec) Validate() error {
	var errs []error

	if err := c.ID.Validate(); err != nil {
		errs = append(errs, err)
	}

	if _, err := ParseMeasurementKind(string(c.Kind)); err != nil {
		errs = append(errs, err)
	}

	if c.Range <= 0 {
		errs = append(errs, fmt.Errorf("range must be positive, got %v", c.Range))
	}

	if c.Kind == Temperature {
		if _, ok := thermocoupleTypes[strings.ToUpper(c.Thermocouple)]; !ok {
			errs = append(errs, fmt.Errorf("unknown thermocouple type %q", c.Thermocouple))
		}

		if c.Reference != "" {
			if _, err := ParseReferenceMode(string(c.Reference)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("channel %s: %w", c.ID, err)
	}

	return nil
}

// ValidateChannels checks every spec and rejects duplicate channel ids.
func ValidateChannels(specs []ChannelSpec) error {
	seen := make(map[ChannelID]struct{}, len(specs))

	var errs []error

	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			errs = append(errs, err)
		}

		if _, ok := seen[spec.ID]; ok {
			errs = append(errs, fmt.Errorf("channel %s is listed more than once", spec.ID))
		}

		seen[spec.ID] = struct{}{}
	}

	return errors.Join(errs...)
}
