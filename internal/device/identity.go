package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect is the shape of the identification reply, which also decides the
// header suppression command.
type Dialect int

const (
	// DialectComma replies "manufacturer,model,serial,firmware".
	DialectComma Dialect = iota
	// DialectExtended replies with whitespace separated fields and module tokens.
	DialectExtended
)

func (d Dialect) String() string {
	if d == DialectExtended {
		return "extended"
	}

	return "comma"
}

// HeaderOffCommand returns the header suppression command for the dialect.
func (d Dialect) HeaderOffCommand() string {
	if d == DialectExtended {
		return ":HEAD OFF"
	}

	return ":HEADer OFF"
}

const (
	moduleSentinel     = "DUMMY"
	modelPrefix        = "LR"
	analogModuleSize   = 15
	baseModuleSize     = 4
	extendedFieldCount = 3
)

// ModuleInfo describes one populated module slot.
type ModuleInfo struct {
	Slot     int    `json:"slot"`
	Kind     string `json:"kind"`
	Channels int    `json:"channels"`
}

// DeviceDescriptor is the result of a successful identification.
type DeviceDescriptor struct {
	Manufacturer string       `json:"manufacturer"`
	Model        string       `json:"model"`
	Serial       string       `json:"serial,omitempty"`
	Firmware     string       `json:"firmware"`
	Version      string       `json:"version,omitempty"`
	Modules      []ModuleInfo `json:"modules,omitempty"`
	Channels     int          `json:"channels"`
	Dialect      Dialect      `json:"dialect"`
}

var moduleTokenPattern = regexp.MustCompile(`^U(\d+)-([A-Za-z]|\d+)$`)

// ParseIdentity parses an *IDN? reply of either dialect.
func ParseIdentity(reply string) (DeviceDescriptor, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return DeviceDescriptor{}, NewIdentityError(reply, "empty reply")
	}

	if strings.Contains(reply, ",") {
		return parseComma(reply)
	}

	return parseExtended(reply)
}

func parseComma(reply string) (DeviceDescriptor, error) {
	fields := strings.Split(reply, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	for len(fields) < 4 {
		fields = append(fields, "")
	}

	d := DeviceDescriptor{
		Manufacturer: fields[0],
		Model:        fields[1],
		Serial:       fields[2],
		Firmware:     fields[3],
		Dialect:      DialectComma,
	}

	if d.Model == "" {
		return DeviceDescriptor{}, NewIdentityError(reply, "model field is empty")
	}

	return d, nil
}

func parseExtended(reply string) (DeviceDescriptor, error) {
	tokens := strings.Fields(reply)
	if len(tokens) < extendedFieldCount {
		return DeviceDescriptor{}, NewIdentityError(reply, fmt.Sprintf("want at least %d fields, got %d", extendedFieldCount, len(tokens)))
	}

	d := DeviceDescriptor{
		Manufacturer: tokens[0],
		Model:        modelPrefix + tokens[1],
		Firmware:     tokens[2],
		Dialect:      DialectExtended,
	}

	for _, token := range tokens[3:] {
		if token == moduleSentinel {
			break
		}

		m := moduleTokenPattern.FindStringSubmatch(token)
		if m == nil {
			if d.Version == "" && len(d.Modules) == 0 {
				d.Version = token
			}

			continue
		}

		slot, _ := strconv.Atoi(m[1])
		if slot < 1 || slot > MaxModules {
			continue
		}

		module, ok := moduleFromKind(slot, m[2])
		if !ok {
			continue
		}

		d.Modules = append(d.Modules, module)
		d.Channels += module.Channels
	}

	return d, nil
}

func moduleFromKind(slot int, kind string) (ModuleInfo, bool) {
	switch strings.ToUpper(kind) {
	case "A":
		return ModuleInfo{Slot: slot, Kind: fmt.Sprintf("analog-%d", analogModuleSize), Channels: analogModuleSize}, true
	case "B":
		return ModuleInfo{Slot: slot, Kind: fmt.Sprintf("base-%d", baseModuleSize), Channels: baseModuleSize}, true
	}

	n, err := strconv.Atoi(kind)
	if err != nil || n <= 0 {
		return ModuleInfo{}, false
	}

	return ModuleInfo{Slot: slot, Kind: fmt.Sprintf("analog-%d", n), Channels: n}, true
}

// DisplayIdentity is the caller-facing name of a supported instrument.
type DisplayIdentity struct {
	Vendor  string
	Product string
}

func (d DisplayIdentity) String() string {
	return d.Vendor + " " + d.Product
}

type modelKey struct {
	manufacturer string
	model        string
}

var displayNames = map[modelKey]DisplayIdentity{
	{"HIOKI", "LR8450"}:    {Vendor: "HIOKI", Product: "Memory HiLogger LR8450"},
	{"HIOKI", "LR8450-01"}: {Vendor: "HIOKI", Product: "Memory HiLogger LR8450-01 (wireless)"},
	{"HIOKI", "LR8451"}:    {Vendor: "HIOKI", Product: "Memory HiLogger LR8451"},
	{"HIOKI", "LR8451-01"}: {Vendor: "HIOKI", Product: "Memory HiLogger LR8451-01 (wireless)"},
	{"HIOKI", "LR8101"}:    {Vendor: "HIOKI", Product: "Memory HiLogger LR8101"},
	{"HIOKI", "LR8102"}:    {Vendor: "HIOKI", Product: "Memory HiLogger LR8102"},
}

// Identity is a parsed descriptor together with its display mapping.
type Identity struct {
	Descriptor DeviceDescriptor
	Display    DisplayIdentity
	Compatible bool
}

// Resolve parses reply and maps the device to its display identity. An
// unmapped device is returned together with a *ProtocolIncompatibleError so
// the caller can decide whether to continue.
func Resolve(reply string) (Identity, error) {
	d, err := ParseIdentity(reply)
	if err != nil {
		return Identity{}, err
	}

	display, ok := displayNames[modelKey{strings.ToUpper(d.Manufacturer), strings.ToUpper(d.Model)}]
	if !ok {
		return Identity{
			Descriptor: d,
			Display:    DisplayIdentity{Vendor: d.Manufacturer, Product: d.Model},
		}, &ProtocolIncompatibleError{Manufacturer: d.Manufacturer, Model: d.Model, Dialect: d.Dialect}
	}

	return Identity{Descriptor: d, Display: display, Compatible: true}, nil
}
