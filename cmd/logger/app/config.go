package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/lr-logger/internal/acquisition"
	"github.com/roman-kulish/lr-logger/internal/calibration"
	"github.com/roman-kulish/lr-logger/internal/controller"
	"github.com/roman-kulish/lr-logger/internal/device"
	"github.com/roman-kulish/lr-logger/internal/scpi"
	"github.com/roman-kulish/lr-logger/internal/storage"
	"github.com/roman-kulish/lr-logger/internal/transport"
)

// Environment overrides, optionally loaded from a .env file.
const (
	EnvAddress    = "LRLOGGER_ADDRESS"
	EnvTransport  = "LRLOGGER_TRANSPORT"
	EnvStorageDSN = "LRLOGGER_STORAGE_DSN"
	EnvLogLevel   = "LRLOGGER_LOG_LEVEL"
)

const (
	defaultDataDirectory = "data"
	defaultMetricsAddr   = ":9108"
	defaultBufferSize    = 256
)

// Config represents the main application configuration
type Config struct {
	Settings     Settings           `yaml:"settings"`
	Device       DeviceConfig       `yaml:"device"`
	Acquisition  AcquisitionConfig  `yaml:"acquisition"`
	Channels     []ChannelConfig    `yaml:"channels"`
	Calibration  calibration.Table  `yaml:"calibration"`
	CapacityTest CapacityTestConfig `yaml:"capacityTest"`
	Storage      StorageConfig      `yaml:"storage"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level parses LogLevel, defaulting to Info.
func (s *Settings) Level() (slog.Level, error) {
	var level slog.Level
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s.LogLevel)
	}

	return level, nil
}

// DeviceConfig describes how to reach the instrument.
type DeviceConfig struct {
	Address        string         `yaml:"address"`
	Transport      transport.Mode `yaml:"transport"`
	DialTimeout    Duration       `yaml:"dialTimeout"`
	QueryTimeout   Duration       `yaml:"queryTimeout"`
	ProbeTimeout   Duration       `yaml:"probeTimeout"`
	StopRetryDelay Duration       `yaml:"stopRetryDelay"`
	StopAttempts   int            `yaml:"stopAttempts"`
	Cooldown       Duration       `yaml:"cooldown"`
}

func (c *DeviceConfig) applyDefaults() {
	if c.Transport == "" {
		c.Transport = transport.Persistent
	}

	if c.Address != "" && !strings.Contains(c.Address, ":") {
		c.Address = fmt.Sprintf("%s:%d", c.Address, transport.DefaultPort)
	}
}

func (c *DeviceConfig) Validate() error {
	if c.Address == "" {
		return errors.New("device address is required")
	}

	if err := c.Transport.Validate(); err != nil {
		return err
	}

	if c.StopAttempts < 0 {
		return fmt.Errorf("invalid stop attempts %d", c.StopAttempts)
	}

	return nil
}

// AcquisitionConfig configures the poll loop. AllowPartial starts
// acquisition with the channels that could be configured when some failed.
type AcquisitionConfig struct {
	Interval       Duration              `yaml:"interval"`
	FetchMode      acquisition.FetchMode `yaml:"fetchMode"`
	BlockWidth     scpi.ElementWidth     `yaml:"blockWidth"`
	StallThreshold int                   `yaml:"stallThreshold"`
	AllowPartial   bool                  `yaml:"allowPartial"`
}

func (c *AcquisitionConfig) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = Duration(acquisition.DefaultInterval)
	}

	if c.FetchMode == "" {
		c.FetchMode = acquisition.FetchASCII
	}

	if c.BlockWidth == 0 {
		c.BlockWidth = scpi.Int16
	}

	if c.StallThreshold == 0 {
		c.StallThreshold = acquisition.DefaultStallThreshold
	}
}

func (c *AcquisitionConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("invalid acquisition interval %s", c.Interval)
	}

	switch c.FetchMode {
	case acquisition.FetchASCII, acquisition.FetchBinary:
	default:
		return fmt.Errorf("invalid fetch mode %q", c.FetchMode)
	}

	switch c.BlockWidth {
	case scpi.Int16, scpi.Uint32, scpi.Float64:
	default:
		return fmt.Errorf("invalid block element width %d", int(c.BlockWidth))
	}

	if c.StallThreshold < 0 {
		return fmt.Errorf("invalid stall threshold %d", c.StallThreshold)
	}

	return nil
}

// ChannelConfig is a channel spec whose enabled flag defaults to true.
type ChannelConfig struct {
	device.ChannelSpec `yaml:",inline"`
}

func (c *ChannelConfig) UnmarshalYAML(value *yaml.Node) error {
	spec := device.ChannelSpec{Enabled: true}
	if err := value.Decode(&spec); err != nil {
		return err
	}

	c.ChannelSpec = spec

	return nil
}

// CapacityTestConfig starts a capacity test together with acquisition.
type CapacityTestConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Role      string  `yaml:"role"`
	CurrentMA float64 `yaml:"currentMA"`
}

func (c *CapacityTestConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Role == "" {
		return errors.New("capacity test role is required")
	}

	if c.CurrentMA <= 0 {
		return fmt.Errorf("invalid capacity test current %g mA", c.CurrentMA)
	}

	return nil
}

// StorageConfig represents storage settings
type StorageConfig struct {
	Driver        storage.Driver `yaml:"driver"`
	DataDirectory string         `yaml:"dataDirectory"`
	DSN           string         `yaml:"dsn"`
	MaxBatchSize  int            `yaml:"maxBatchSize"`
	BufferSize    int            `yaml:"bufferSize"`
}

func (c *StorageConfig) applyDefaults() {
	if c.Driver == "" {
		c.Driver = storage.DriverSqlite
	}

	if c.DataDirectory == "" {
		c.DataDirectory = defaultDataDirectory
	}

	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = storage.DefaultMaxBatchSize
	}

	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
}

func (c *StorageConfig) Validate() error {
	if err := c.Driver.Validate(); err != nil {
		return err
	}

	if c.Driver == storage.DriverPostgres && c.DSN == "" {
		return errors.New("storage dsn is required for postgres")
	}

	if c.MaxBatchSize < 0 {
		return fmt.Errorf("invalid max batch size %d", c.MaxBatchSize)
	}

	if c.BufferSize < 0 {
		return fmt.Errorf("invalid buffer size %d", c.BufferSize)
	}

	return nil
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoadConfig reads the YAML file at path, applies .env and environment
// overrides, fills defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	config := Config{Metrics: MetricsConfig{Addr: defaultMetricsAddr}}
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// missing .env is fine
	_ = godotenv.Load()

	config.applyEnv()
	config.applyDefaults()

	if err = config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAddress); v != "" {
		c.Device.Address = v
	}

	if v := os.Getenv(EnvTransport); v != "" {
		c.Device.Transport = transport.Mode(v)
	}

	if v := os.Getenv(EnvStorageDSN); v != "" {
		c.Storage.DSN = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Settings.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	c.Device.applyDefaults()
	c.Acquisition.applyDefaults()
	c.Storage.applyDefaults()
}

func (c *Config) Validate() error {
	if _, err := c.Settings.Level(); err != nil {
		return err
	}

	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device: %w", err)
	}

	if err := c.Acquisition.Validate(); err != nil {
		return fmt.Errorf("acquisition: %w", err)
	}

	if len(c.Channels) == 0 {
		return errors.New("no channels specified in configuration")
	}

	if err := device.ValidateChannels(c.ChannelSpecs()); err != nil {
		return fmt.Errorf("channels: %w", err)
	}

	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}

	if err := c.CapacityTest.Validate(); err != nil {
		return fmt.Errorf("capacity test: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	return nil
}

// ChannelSpecs returns the configured channels.
func (c *Config) ChannelSpecs() []device.ChannelSpec {
	specs := make([]device.ChannelSpec, len(c.Channels))
	for i, ch := range c.Channels {
		specs[i] = ch.ChannelSpec
	}

	return specs
}

// ControllerConfig maps the device and acquisition sections to the
// controller settings.
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		Address:        c.Device.Address,
		Mode:           c.Device.Transport,
		DialTimeout:    time.Duration(c.Device.DialTimeout),
		QueryTimeout:   time.Duration(c.Device.QueryTimeout),
		ProbeTimeout:   time.Duration(c.Device.ProbeTimeout),
		Cooldown:       time.Duration(c.Device.Cooldown),
		PollInterval:   time.Duration(c.Acquisition.Interval),
		FetchMode:      c.Acquisition.FetchMode,
		BlockWidth:     c.Acquisition.BlockWidth,
		StallThreshold: c.Acquisition.StallThreshold,
		StopAttempts:   c.Device.StopAttempts,
		StopRetryDelay: time.Duration(c.Device.StopRetryDelay),
	}
}

// Duration is a time.Duration read from strings like "100ms".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.Duration: failed to parse: %s", err)
	}

	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
