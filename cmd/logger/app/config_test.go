package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/lr-logger/internal/acquisition"
	"github.com/roman-kulish/lr-logger/internal/device"
	"github.com/roman-kulish/lr-logger/internal/scpi"
	"github.com/roman-kulish/lr-logger/internal/storage"
	"github.com/roman-kulish/lr-logger/internal/transport"
)

const fullConfig = `
settings:
  logLevel: debug
device:
  address: 192.168.1.50
  transport: per-command
  queryTimeout: 2s
  cooldown: 50ms
  stopAttempts: 3
acquisition:
  interval: 250ms
  fetchMode: binary
  blockWidth: 8
  allowPartial: true
channels:
  - id: CH1_1
    kind: voltage
    range: 10
    role: pack
  - id: CH1_2
    kind: temperature
    range: 100
    thermocouple: K
    reference: external
  - id: CH2_1
    kind: voltage
    range: 1
    enabled: false
calibration:
  pack:
    scale: 2
    offset: -0.5
  CH1_2:
    offset: 1.25
capacityTest:
  enabled: true
  role: pack
  currentMA: 500
storage:
  driver: sqlite3
  dataDirectory: /var/lib/lrlogger
  maxBatchSize: 100
metrics:
  addr: ":9200"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, fullConfig))
	require.NoError(t, err)

	level, err := config.Settings.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)

	require.Equal(t, "192.168.1.50:8800", config.Device.Address)
	require.Equal(t, transport.PerCommand, config.Device.Transport)
	require.Equal(t, Duration(2*time.Second), config.Device.QueryTimeout)
	require.Equal(t, Duration(50*time.Millisecond), config.Device.Cooldown)

	require.Equal(t, Duration(250*time.Millisecond), config.Acquisition.Interval)
	require.Equal(t, acquisition.FetchBinary, config.Acquisition.FetchMode)
	require.Equal(t, acquisition.DefaultStallThreshold, config.Acquisition.StallThreshold)
	require.Equal(t, scpi.Float64, config.Acquisition.BlockWidth)
	require.True(t, config.Acquisition.AllowPartial)

	specs := config.ChannelSpecs()
	require.Len(t, specs, 3)
	require.True(t, specs[0].Enabled, "enabled defaults to true")
	require.Equal(t, device.Temperature, specs[1].Kind)
	require.Equal(t, device.ReferenceExternal, specs[1].Reference)
	require.False(t, specs[2].Enabled)

	require.Equal(t, 2.0, config.Calibration["pack"].Scale)
	require.Equal(t, -0.5, config.Calibration["pack"].Offset)
	require.Equal(t, 1.0, config.Calibration["CH1_2"].Scale, "scale defaults to 1")

	require.True(t, config.CapacityTest.Enabled)
	require.Equal(t, storage.DriverSqlite, config.Storage.Driver)
	require.Equal(t, 100, config.Storage.MaxBatchSize)
	require.Equal(t, defaultBufferSize, config.Storage.BufferSize)
	require.Equal(t, ":9200", config.Metrics.Addr)

	cc := config.ControllerConfig()
	require.Equal(t, "192.168.1.50:8800", cc.Address)
	require.Equal(t, 2*time.Second, cc.QueryTimeout)
	require.Equal(t, 250*time.Millisecond, cc.PollInterval)
	require.Equal(t, 3, cc.StopAttempts)
	require.Equal(t, scpi.Float64, cc.BlockWidth)
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, `
device:
  address: 10.0.0.2:8802
channels:
  - id: ch1_1
    kind: voltage
    range: 10
`))
	require.NoError(t, err)

	require.Equal(t, "10.0.0.2:8802", config.Device.Address)
	require.Equal(t, transport.Persistent, config.Device.Transport)
	require.Equal(t, Duration(acquisition.DefaultInterval), config.Acquisition.Interval)
	require.Equal(t, acquisition.FetchASCII, config.Acquisition.FetchMode)
	require.Equal(t, scpi.Int16, config.Acquisition.BlockWidth)
	require.False(t, config.Acquisition.AllowPartial)
	require.Equal(t, storage.DriverSqlite, config.Storage.Driver)
	require.Equal(t, defaultDataDirectory, config.Storage.DataDirectory)
	require.Equal(t, storage.DefaultMaxBatchSize, config.Storage.MaxBatchSize)
	require.Equal(t, defaultMetricsAddr, config.Metrics.Addr)
	require.Equal(t, device.ChannelID{Module: 1, Index: 1}, config.Channels[0].ID)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(EnvAddress, "127.0.0.1:9000")
	t.Setenv(EnvTransport, "per-command")
	t.Setenv(EnvStorageDSN, "postgres://lr:lr@localhost/lr?sslmode=disable")
	t.Setenv(EnvLogLevel, "warn")

	config, err := LoadConfig(writeConfig(t, `
device:
  address: 10.0.0.2
channels:
  - id: CH1_1
    kind: voltage
    range: 10
storage:
  driver: postgres
`))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9000", config.Device.Address)
	require.Equal(t, transport.PerCommand, config.Device.Transport)
	require.Equal(t, "postgres://lr:lr@localhost/lr?sslmode=disable", config.Storage.DSN)

	level, err := config.Settings.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)
}

func TestLoadConfigInvalid(t *testing.T) {
	const channel = `
channels:
  - id: CH1_1
    kind: voltage
    range: 10
`

	tests := []struct {
		name    string
		content string
	}{
		{"missing address", channel},
		{"no channels", "device:\n  address: 10.0.0.2\n"},
		{"unknown kind", "device:\n  address: 10.0.0.2\nchannels:\n  - id: CH1_1\n    kind: current\n    range: 10\n"},
		{"bad channel id", "device:\n  address: 10.0.0.2\nchannels:\n  - id: CH5_1\n    kind: voltage\n    range: 10\n"},
		{"unknown thermocouple", "device:\n  address: 10.0.0.2\nchannels:\n  - id: CH1_1\n    kind: temperature\n    range: 10\n    thermocouple: X\n"},
		{"unknown reference", "device:\n  address: 10.0.0.2\nchannels:\n  - id: CH1_1\n    kind: temperature\n    range: 10\n    thermocouple: K\n    reference: ambient\n"},
		{"duplicate channel", "device:\n  address: 10.0.0.2\nchannels:\n  - id: CH1_1\n    kind: voltage\n    range: 10\n  - id: CH1_1\n    kind: voltage\n    range: 1\n"},
		{"bad transport", "device:\n  address: 10.0.0.2\n  transport: udp\n" + channel},
		{"bad fetch mode", "device:\n  address: 10.0.0.2\nacquisition:\n  fetchMode: hex\n" + channel},
		{"bad block width", "device:\n  address: 10.0.0.2\nacquisition:\n  blockWidth: 3\n" + channel},
		{"bad duration", "device:\n  address: 10.0.0.2\nacquisition:\n  interval: fast\n" + channel},
		{"bad log level", "settings:\n  logLevel: loud\ndevice:\n  address: 10.0.0.2\n" + channel},
		{"postgres without dsn", "device:\n  address: 10.0.0.2\nstorage:\n  driver: postgres\n" + channel},
		{"unknown driver", "device:\n  address: 10.0.0.2\nstorage:\n  driver: mysql\n" + channel},
		{"capacity test without role", "device:\n  address: 10.0.0.2\ncapacityTest:\n  enabled: true\n  currentMA: 100\n" + channel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
