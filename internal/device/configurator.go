package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roman-kulish/lr-logger/internal/transport"
)

const (
	DefaultConfigQueryTimeout = 3 * time.Second
	DefaultProbeTimeout       = time.Second

	defaultCommandRetries = 1
)

// capacityProbes are channel indexes tried from the largest down to find a
// probed module's size.
var capacityProbes = []int{MaxChannelsPerSlot, analogModuleSize, baseModuleSize}

// Commander is the part of a transport the configurator needs.
type Commander interface {
	Write(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string, timeout time.Duration) (string, error)
}

// ConfigResult is the outcome of one configuration request.
type ConfigResult struct {
	Requested       int
	Succeeded       int
	Confirmed       []ChannelSpec
	Failed          []ChannelID
	DisableFailures int
}

// Complete reports whether every requested channel was configured.
func (r ConfigResult) Complete() bool {
	return r.Succeeded == r.Requested
}

// Configurator projects channel specs onto the instrument.
type Configurator struct {
	cmd          Commander
	logger       *slog.Logger
	queryTimeout time.Duration
	probeTimeout time.Duration
	retries      int
}

func WithConfiguratorLogger(logger *slog.Logger) func(c *Configurator) {
	return func(c *Configurator) {
		c.logger = logger.With(slog.String("component", "configurator"))
	}
}

func WithQueryTimeout(d time.Duration) func(c *Configurator) {
	return func(c *Configurator) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

func WithProbeTimeout(d time.Duration) func(c *Configurator) {
	return func(c *Configurator) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

func NewConfigurator(cmd Commander, options ...func(c *Configurator)) *Configurator {
	c := &Configurator{
		cmd:          cmd,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		queryTimeout: DefaultConfigQueryTimeout,
		probeTimeout: DefaultProbeTimeout,
		retries:      defaultCommandRetries,
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// DetectModules probes every slot for a populated module and its size. It
// is used when the identification reply carries no module tokens.
func (c *Configurator) DetectModules(ctx context.Context) ([]ModuleInfo, error) {
	var modules []ModuleInfo

	for slot := 1; slot <= MaxModules; slot++ {
		ok, err := c.probe(ctx, ChannelID{Module: slot, Index: 1})
		if err != nil {
			return modules, err
		}

		if !ok {
			c.logger.Debug("slot is empty", slog.Int("slot", slot))
			continue
		}

		size := 1
		for _, idx := range capacityProbes {
			if ok, err = c.probe(ctx, ChannelID{Module: slot, Index: idx}); err != nil {
				return modules, err
			}

			if ok {
				size = idx
				break
			}
		}

		module, _ := moduleFromKind(slot, strconv.Itoa(size))
		if size == baseModuleSize {
			module, _ = moduleFromKind(slot, "B")
		}

		c.logger.Info("detected module", slog.Int("slot", slot), slog.String("kind", module.Kind))
		modules = append(modules, module)
	}

	return modules, nil
}

// probe reports whether ch answers a storage query. Only a fatal transport
// error or cancellation is returned as an error.
func (c *Configurator) probe(ctx context.Context, ch ChannelID) (bool, error) {
	var reply string

	err := c.retry(ctx, func() (err error) {
		reply, err = c.cmd.Query(ctx, ":UNIT:STORe? "+ch.String(), c.probeTimeout)
		return err
	})
	if err != nil {
		if abort(ctx, err) {
			return false, err
		}

		return false, nil
	}

	_, known := parseSwitch(reply)

	return known, nil
}

// Configure disables every channel of each affected module and then enables
// and parametrizes the enabled specs in order. A channel failure does not
// stop the remaining channels. When not every requested channel succeeds
// the result is returned together with a *PartialFailureError.
func (c *Configurator) Configure(ctx context.Context, modules []ModuleInfo, specs []ChannelSpec) (ConfigResult, error) {
	if err := ValidateChannels(specs); err != nil {
		return ConfigResult{}, err
	}

	capacity := make(map[int]int, len(modules))
	for _, m := range modules {
		capacity[m.Slot] = m.Channels
	}

	var result ConfigResult

	for _, slot := range affectedSlots(specs) {
		size, ok := capacity[slot]
		if !ok {
			if len(modules) > 0 {
				c.logger.Warn("module slot is not populated", slog.Int("slot", slot))
				continue
			}

			size = MaxChannelsPerSlot
		}

		for idx := 1; idx <= size; idx++ {
			ch := ChannelID{Module: slot, Index: idx}

			if err := c.retry(ctx, func() error { return c.cmd.Write(ctx, fmt.Sprintf(":UNIT:STORe %s,OFF", ch)) }); err != nil {
				if abort(ctx, err) {
					return result, err
				}

				result.DisableFailures++
				c.logger.Warn("failed to disable channel", slog.String("channel", ch.String()), slog.String("error", err.Error()))
			}
		}
	}

	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}

		result.Requested++

		if size, ok := capacity[spec.ID.Module]; len(modules) > 0 && (!ok || spec.ID.Index > size) {
			c.logger.Warn("channel is not present on the device", slog.String("channel", spec.ID.String()))
			result.Failed = append(result.Failed, spec.ID)

			continue
		}

		if err := c.enable(ctx, spec); err != nil {
			if abort(ctx, err) {
				return result, err
			}

			c.logger.Warn("failed to configure channel", slog.String("channel", spec.ID.String()), slog.String("error", err.Error()))
			result.Failed = append(result.Failed, spec.ID)

			continue
		}

		result.Succeeded++
		result.Confirmed = append(result.Confirmed, spec)
	}

	c.logger.Info("channel configuration finished",
		slog.Int("succeeded", result.Succeeded),
		slog.Int("requested", result.Requested),
		slog.Int("disableFailures", result.DisableFailures))

	if !result.Complete() {
		return result, &PartialFailureError{Succeeded: result.Succeeded, Requested: result.Requested, Failed: result.Failed}
	}

	return result, nil
}

// enable runs the channel's command sequence. Input mode goes before any
// type-specific parameter because the device rejects them otherwise.
func (c *Configurator) enable(ctx context.Context, spec ChannelSpec) error {
	ch := spec.ID.String()

	commands := []string{
		fmt.Sprintf(":UNIT:STORe %s,ON", ch),
		fmt.Sprintf(":UNIT:INMOde %s,%s", ch, spec.Kind.inputMode()),
		fmt.Sprintf(":UNIT:RANGe %s,%s", ch, strconv.FormatFloat(spec.Range, 'g', -1, 64)),
	}

	if spec.Kind == Temperature {
		commands = append(commands,
			fmt.Sprintf(":SCALing:UNIT %s,TC_%s", ch, strings.ToUpper(spec.Thermocouple)),
			fmt.Sprintf(":SCALing:REFerence %s,%s", ch, spec.Reference.wire()),
		)
	}

	for _, cmd := range commands {
		if err := c.retry(ctx, func() error { return c.cmd.Write(ctx, cmd) }); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}

	var reply string

	err := c.retry(ctx, func() (err error) {
		reply, err = c.cmd.Query(ctx, ":UNIT:STORe? "+ch, c.queryTimeout)
		return err
	})
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	if on, _ := parseSwitch(reply); !on {
		return fmt.Errorf("verify: channel reports %q after enable", reply)
	}

	return nil
}

// retry runs op and repeats it once on failure unless the failure is fatal.
func (c *Configurator) retry(ctx context.Context, op func() error) error {
	var err error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if err = op(); err == nil || abort(ctx, err) {
			return err
		}
	}

	return err
}

// abort reports whether err makes further commands pointless.
func abort(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, transport.ErrClosed) || transport.IsFatal(err)
}

// affectedSlots returns the module slots referenced by specs in first-seen order.
func affectedSlots(specs []ChannelSpec) []int {
	var slots []int

	seen := make(map[int]struct{})
	for _, spec := range specs {
		if _, ok := seen[spec.ID.Module]; ok {
			continue
		}

		seen[spec.ID.Module] = struct{}{}
		slots = append(slots, spec.ID.Module)
	}

	return slots
}

// parseSwitch interprets an ON/OFF reply, tolerating a header echo.
func parseSwitch(reply string) (on, known bool) {
	fields := strings.Fields(strings.ToUpper(reply))
	if len(fields) == 0 {
		return false, false
	}

	switch v := fields[len(fields)-1]; {
	case v == "ON" || v == "1" || strings.HasSuffix(v, ",ON"):
		return true, true
	case v == "OFF" || v == "0" || strings.HasSuffix(v, ",OFF"):
		return false, true
	default:
		return false, false
	}
}
