package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roman-kulish/lr-logger/internal/controller"
	"github.com/roman-kulish/lr-logger/internal/device"
	"github.com/roman-kulish/lr-logger/internal/metrics"
	"github.com/roman-kulish/lr-logger/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Run connects to the instrument, configures the channels and records
// samples until ctx is cancelled or the connection is lost.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() {
		if cErr := store.Close(); cErr != nil {
			logger.Error("failed to close storage", slog.String("error", cErr.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if config.Metrics.Addr != "" {
		srv := serveMetrics(config.Metrics.Addr, reg, logger)
		defer func() {
			sCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sCtx)
		}()
	}

	rec := NewRecorder(store,
		WithRecorderLogger(logger),
		WithStoreObserver(m),
		WithBufferSize(config.Storage.BufferSize),
		WithMaxBatchSize(config.Storage.MaxBatchSize))

	ctrl := controller.New(config.ControllerConfig(), rec,
		controller.WithLogger(logger),
		controller.WithObserver(m),
		controller.WithCalibration(config.Calibration))

	identity, err := ctrl.Connect(ctx)
	var incompatible *device.ProtocolIncompatibleError
	switch {
	case errors.As(err, &incompatible):
		logger.Warn("unrecognised instrument, continuing", slog.String("manufacturer", incompatible.Manufacturer), slog.String("model", incompatible.Model))
	case err != nil:
		return fmt.Errorf("failed to connect: %w", err)
	}

	logger.Info("instrument ready", slog.String("instrument", identity.Display.String()), slog.Int("channels", identity.Descriptor.Channels))

	defer func() {
		dCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if dErr := ctrl.Disconnect(dCtx); dErr != nil {
			logger.Error("failed to disconnect", slog.String("error", dErr.Error()))
		}
	}()

	var configure []controller.ConfigureOption
	if config.Acquisition.AllowPartial {
		configure = append(configure, controller.AllowPartial())
	}

	result, err := ctrl.Configure(ctx, config.ChannelSpecs(), configure...)

	var partial *device.PartialFailureError
	switch {
	case errors.As(err, &partial) && config.Acquisition.AllowPartial && len(result.Confirmed) > 0:
		failed := make([]string, len(result.Failed))
		for i, ch := range result.Failed {
			failed[i] = ch.String()
		}

		logger.Warn("continuing with partial channel configuration",
			slog.Int("succeeded", partial.Succeeded),
			slog.Int("requested", partial.Requested),
			slog.String("failed", strings.Join(failed, ",")))
	case err != nil:
		return fmt.Errorf("failed to configure channels: %w", err)
	}

	logger.Info("channels configured", slog.Int("channels", len(result.Confirmed)))

	if err = ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start acquisition: %w", err)
	}

	session, _ := ctrl.Session()
	if err = rec.Begin(ctx, session); err != nil {
		stopErr := stopAcquisition(ctx, ctrl, rec)
		return errors.Join(fmt.Errorf("failed to record session: %w", err), stopErr)
	}

	if ct := config.CapacityTest; ct.Enabled {
		if err = ctrl.StartCapacityTest(ct.Role, ct.CurrentMA); err != nil {
			logger.Error("failed to start capacity test", slog.String("error", err.Error()))
		} else {
			logger.Info("capacity test started", slog.String("role", ct.Role), slog.Float64("currentMA", ct.CurrentMA))
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-rec.Fatal():
		runErr = fmt.Errorf("acquisition aborted: %w", runErr)
	}

	if err = stopAcquisition(ctx, ctrl, rec); err != nil && runErr == nil {
		runErr = err
	}

	return runErr
}

// stopAcquisition stops the controller and closes the recorded session.
// A connection that is already gone is not reported again.
func stopAcquisition(ctx context.Context, ctrl *controller.Controller, rec *Recorder) error {
	sCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	stopErr := ctrl.Stop(sCtx)
	if isConnectionLoss(stopErr) {
		stopErr = nil
	}

	var finishErr error
	if session, ok := ctrl.Session(); ok {
		finishErr = rec.Finish(sCtx, session)
	}

	return errors.Join(stopErr, finishErr)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("addr", addr))

	return srv
}

func createStorage(config *StorageConfig) (storage.Store, error) {
	opts := []storage.Option{storage.WithMaxBatchSize(config.MaxBatchSize)}

	if config.Driver == storage.DriverPostgres {
		return storage.NewPostgresStore(config.DSN, opts...), nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	dbPath := config.DataDirectory
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(wd, dbPath)
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbPath, err)
		}
		return nil, fmt.Errorf("checking storage directory '%s': %w", dbPath, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	dbPath = filepath.Join(dbPath, fmt.Sprintf("lr_session_%s.sqlite", time.Now().UTC().Format("20060102_150405")))

	return storage.NewSqliteStore(dbPath, opts...), nil
}
