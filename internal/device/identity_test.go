package device

import (
	"errors"
	"slices"
	"testing"
)

func TestParseIdentity_Comma(t *testing.T) {
	got, err := ParseIdentity("HIOKI,LR8450-01,221018368,V2.10")
	if err != nil {
		t.Fatalf("ParseIdentity() error = %v", err)
	}

	want := DeviceDescriptor{
		Manufacturer: "HIOKI",
		Model:        "LR8450-01",
		Serial:       "221018368",
		Firmware:     "V2.10",
		Dialect:      DialectComma,
	}

	if got.Manufacturer != want.Manufacturer || got.Model != want.Model || got.Serial != want.Serial ||
		got.Firmware != want.Firmware || got.Dialect != want.Dialect {
		t.Errorf("ParseIdentity() = %+v, want %+v", got, want)
	}
}

func TestParseIdentity_Extended(t *testing.T) {
	got, err := ParseIdentity("HIOKI 8450 V2.10 1.01 U1-A U2-4 DUMMY")
	if err != nil {
		t.Fatalf("ParseIdentity() error = %v", err)
	}

	if got.Model != "LR8450" {
		t.Errorf("Model = %q, want LR8450", got.Model)
	}

	if got.Channels != 19 {
		t.Errorf("Channels = %d, want 19", got.Channels)
	}

	if got.Firmware != "V2.10" || got.Version != "1.01" || got.Dialect != DialectExtended {
		t.Errorf("unexpected descriptor %+v", got)
	}

	wantModules := []ModuleInfo{
		{Slot: 1, Kind: "analog-15", Channels: 15},
		{Slot: 2, Kind: "analog-4", Channels: 4},
	}
	if !slices.Equal(got.Modules, wantModules) {
		t.Errorf("Modules = %+v, want %+v", got.Modules, wantModules)
	}
}

func TestParseIdentity_ModuleTokens(t *testing.T) {
	tests := []struct {
		reply    string
		channels int
		modules  int
	}{
		{reply: "HIOKI 8450 V1.00 1.00 U1-B DUMMY", channels: 4, modules: 1},
		{reply: "HIOKI 8450 V1.00 1.00 U1-A U2-A U3-B U4-30 DUMMY", channels: 64, modules: 4},
		{reply: "HIOKI 8450 V1.00 1.00 U1-A DUMMY U2-A", channels: 15, modules: 1},
		{reply: "HIOKI 8450 V1.00 1.00 U1-Z U2-A", channels: 15, modules: 1},
		{reply: "HIOKI 8450 V1.00 1.00 U0-A U1-A U9-A U5-B DUMMY", channels: 15, modules: 1},
		{reply: "HIOKI 8450 V1.00", channels: 0, modules: 0},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			got, err := ParseIdentity(tt.reply)
			if err != nil {
				t.Fatalf("ParseIdentity() error = %v", err)
			}

			if got.Channels != tt.channels || len(got.Modules) != tt.modules {
				t.Errorf("got %d channels in %d modules, want %d in %d", got.Channels, len(got.Modules), tt.channels, tt.modules)
			}
		})
	}
}

func TestParseIdentity_Total(t *testing.T) {
	replies := []string{
		"HIOKI,LR8450,1,V1",
		"HIOKI,LR8450",
		" HIOKI , LR8451 , 99 , V3.00 \r",
		"HIOKI 8451 V1.00",
		"VENDOR 1 2 3 4 5 6",
	}

	for _, reply := range replies {
		got, err := ParseIdentity(reply)
		if err != nil {
			t.Errorf("ParseIdentity(%q) error = %v", reply, err)
			continue
		}

		if got.Model == "" {
			t.Errorf("ParseIdentity(%q) returned empty model", reply)
		}
	}
}

func TestParseIdentity_Malformed(t *testing.T) {
	for _, reply := range []string{"", "   ", "HIOKI 8450", "HIOKI,,1,V1"} {
		var ie *IdentityError
		if _, err := ParseIdentity(reply); !errors.As(err, &ie) {
			t.Errorf("ParseIdentity(%q) error = %v, want *IdentityError", reply, err)
		}
	}
}

func TestResolve(t *testing.T) {
	id, err := Resolve("HIOKI,LR8450-01,221018368,V2.10")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if !id.Compatible || id.Display.Product != "Memory HiLogger LR8450-01 (wireless)" {
		t.Errorf("Resolve() = %+v", id)
	}

	id, err = Resolve("ACME,SCOPE9000,1,V1")

	var pe *ProtocolIncompatibleError
	if !errors.As(err, &pe) {
		t.Fatalf("Resolve() error = %v, want *ProtocolIncompatibleError", err)
	}

	if id.Compatible || id.Descriptor.Model != "SCOPE9000" {
		t.Errorf("incompatible device must still be described, got %+v", id)
	}
}

func TestDialect_HeaderOffCommand(t *testing.T) {
	if got := DialectComma.HeaderOffCommand(); got != ":HEADer OFF" {
		t.Errorf("comma dialect = %q", got)
	}

	if got := DialectExtended.HeaderOffCommand(); got != ":HEAD OFF" {
		t.Errorf("extended dialect = %q", got)
	}
}
