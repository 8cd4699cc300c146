package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/roman-kulish/lr-logger/internal/device"
	"github.com/roman-kulish/lr-logger/internal/simulator"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	var (
		addr      string
		identity  string
		modules   string
		base      float64
		amplitude float64
		verbose   bool
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:8800", "Listen address")
	flag.StringVar(&identity, "idn", simulator.DefaultIdentity, "*IDN? reply")
	flag.StringVar(&modules, "modules", "1:15", "Populated slots as slot:channels, comma separated")
	flag.Float64Var(&base, "base", 3.7, "Generated value midpoint")
	flag.Float64Var(&amplitude, "amplitude", 0.2, "Generated value amplitude")
	flag.BoolVar(&verbose, "verbose", false, "Log every command")
	flag.Parse()

	if verbose {
		logLevel.Set(slog.LevelDebug)
	}

	slots, err := parseModules(modules)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	sim := simulator.New(
		simulator.WithIdentity(identity),
		simulator.WithModules(slots),
		simulator.WithGenerator(simulator.Sine(base, amplitude)),
		simulator.WithLogger(logger))

	if err = sim.Start(addr); err != nil {
		logger.Error(fmt.Sprintf("failed to start simulator: %s", err.Error()), slog.String("addr", addr))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()

	if err = sim.Close(); err != nil {
		logger.Error(err.Error())
	}
}

func parseModules(s string) (map[int]int, error) {
	slots := make(map[int]int)

	for _, field := range strings.Split(s, ",") {
		slot, channels, ok := strings.Cut(strings.TrimSpace(field), ":")
		if !ok {
			return nil, fmt.Errorf("invalid module %q, expected slot:channels", field)
		}

		n, err := strconv.Atoi(slot)
		if err != nil || n < 1 || n > device.MaxModules {
			return nil, fmt.Errorf("invalid slot %q", slot)
		}

		c, err := strconv.Atoi(channels)
		if err != nil || c < 1 || c > device.MaxChannelsPerSlot {
			return nil, fmt.Errorf("invalid channel count %q", channels)
		}

		slots[n] = c
	}

	return slots, nil
}
