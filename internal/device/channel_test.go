package device

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseChannelID(t *testing.T) {
	tests := []struct {
		in      string
		want    ChannelID
		wantErr bool
	}{
		{in: "CH1_1", want: ChannelID{1, 1}},
		{in: "ch4_30", want: ChannelID{4, 30}},
		{in: " CH2_15 ", want: ChannelID{2, 15}},
		{in: "CH5_1", wantErr: true},
		{in: "CH1_31", wantErr: true},
		{in: "CH0_1", wantErr: true},
		{in: "CH1-1", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChannelID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseChannelID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}

			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseChannelID(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestChannelSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    ChannelSpec
		wantErr string
	}{
		{
			name: "voltage",
			spec: ChannelSpec{ID: ChannelID{1, 1}, Kind: Voltage, Range: 20, Enabled: true},
		},
		{
			name: "thermocouple",
			spec: ChannelSpec{ID: ChannelID{1, 2}, Kind: Temperature, Range: 100, Thermocouple: "k", Reference: ReferenceExternal},
		},
		{
			name:    "unknown kind",
			spec:    ChannelSpec{ID: ChannelID{1, 1}, Kind: "current", Range: 1},
			wantErr: "unknown measurement kind",
		},
		{
			name:    "missing thermocouple type",
			spec:    ChannelSpec{ID: ChannelID{1, 1}, Kind: Temperature, Range: 100},
			wantErr: "unknown thermocouple type",
		},
		{
			name:    "zero range",
			spec:    ChannelSpec{ID: ChannelID{1, 1}, Kind: Voltage},
			wantErr: "range must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}

			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChannels_Duplicates(t *testing.T) {
	spec := ChannelSpec{ID: ChannelID{1, 1}, Kind: Voltage, Range: 1}

	if err := ValidateChannels([]ChannelSpec{spec, spec}); err == nil {
		t.Error("expected duplicate channel error")
	}
}

func TestChannelSpec_YAML(t *testing.T) {
	var spec ChannelSpec

	src := "id: CH2_3\nkind: Temperature\nrange: 500\nthermocouple: T\nreference: ext\nenabled: true\n"
	if err := yaml.Unmarshal([]byte(src), &spec); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}

	want := ChannelSpec{ID: ChannelID{2, 3}, Kind: Temperature, Range: 500, Thermocouple: "T", Reference: ReferenceExternal, Enabled: true}
	if spec != want {
		t.Errorf("got %+v, want %+v", spec, want)
	}

	if spec.RoleName() != "CH2_3" {
		t.Errorf("RoleName() = %q", spec.RoleName())
	}

	if err := yaml.Unmarshal([]byte("id: CH1_1\nkind: pressure\n"), &spec); err == nil {
		t.Error("expected unknown kind to be rejected while decoding")
	}
}
