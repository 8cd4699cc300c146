package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/lr-logger/internal/calibration"
	"github.com/roman-kulish/lr-logger/internal/controller"
	"github.com/roman-kulish/lr-logger/internal/storage"
	"github.com/roman-kulish/lr-logger/internal/transport"
)

const (
	flushInterval  = time.Second
	statusInterval = time.Minute
)

// StoreObserver is notified about recorder writes.
type StoreObserver interface {
	ObserveStored(samples int)
	ObserveStoreError()
}

type nopStoreObserver struct{}

func (nopStoreObserver) ObserveStored(int)  {}
func (nopStoreObserver) ObserveStoreError() {}

// WithRecorderLogger sets the recorder logger.
func WithRecorderLogger(logger *slog.Logger) func(*Recorder) {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithStoreObserver sets the observer notified about writes.
func WithStoreObserver(o StoreObserver) func(*Recorder) {
	return func(r *Recorder) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithBufferSize sets how many batches may queue before new ones are dropped.
func WithBufferSize(size int) func(*Recorder) {
	return func(r *Recorder) {
		if size > 0 {
			r.bufferSize = size
		}
	}
}

// WithMaxBatchSize sets the number of samples collected before a write.
func WithMaxBatchSize(size int) func(*Recorder) {
	return func(r *Recorder) {
		if size > 0 {
			r.maxBatchSize = size
		}
	}
}

// Recorder is a controller.Sink that persists calibrated batches of one
// acquisition session. Batches are queued and written by a single goroutine
// so the poll loop never waits on the database.
type Recorder struct {
	store    storage.Store
	logger   *slog.Logger
	observer StoreObserver

	bufferSize   int
	maxBatchSize int

	mu        sync.Mutex
	sessionID string
	batches   chan calibration.Batch
	done      chan struct{}

	fatal     chan error
	fatalOnce sync.Once

	frames  atomic.Uint64
	samples atomic.Uint64
	dropped atomic.Uint64
	last    atomic.Pointer[calibration.Batch]
}

var _ controller.Sink = (*Recorder)(nil)

func NewRecorder(store storage.Store, options ...func(*Recorder)) *Recorder {
	r := &Recorder{
		store:        store,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer:     nopStoreObserver{},
		bufferSize:   defaultBufferSize,
		maxBatchSize: storage.DefaultMaxBatchSize,
		fatal:        make(chan error, 1),
	}

	for _, option := range options {
		option(r)
	}

	r.logger = r.logger.With(slog.String("component", "recorder"))

	return r
}

// Begin records the session and starts the writer. Batches delivered before
// Begin are discarded.
func (r *Recorder) Begin(ctx context.Context, session controller.AcquisitionSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.batches != nil {
		return fmt.Errorf("session %s is already recording", r.sessionID)
	}

	if err := r.store.CreateSession(ctx, &session); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	r.sessionID = session.ID
	r.batches = make(chan calibration.Batch, r.bufferSize)
	r.done = make(chan struct{})

	r.frames.Store(0)
	r.samples.Store(0)
	r.dropped.Store(0)
	r.last.Store(nil)

	go r.write(context.WithoutCancel(ctx), r.sessionID, r.batches, r.done)

	r.logger.Info("recording session",
		slog.String("session", session.ID),
		slog.String("device", session.Descriptor.Model),
		slog.Int("channels", len(session.Channels)))

	return nil
}

// Finish drains queued batches and records the session end. The controller
// must have stopped delivering samples.
func (r *Recorder) Finish(ctx context.Context, session controller.AcquisitionSession) error {
	r.mu.Lock()
	batches, done, id := r.batches, r.done, r.sessionID
	r.batches, r.done = nil, nil
	r.mu.Unlock()

	if batches == nil {
		return nil
	}

	close(batches)
	<-done

	stoppedAt := session.StoppedAt
	if stoppedAt.IsZero() {
		stoppedAt = time.Now()
	}

	if err := r.store.FinishSession(ctx, id, stoppedAt, session.Capacity); err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}

	attrs := []any{
		slog.String("session", id),
		slog.String("frames", humanize.Comma(int64(r.frames.Load()))),
		slog.String("samples", humanize.Comma(int64(r.samples.Load()))),
		slog.String("dropped", humanize.Comma(int64(r.dropped.Load()))),
		slog.String("duration", roundDuration(stoppedAt.Sub(session.StartedAt))),
	}
	if session.Capacity != nil {
		attrs = append(attrs, slog.String("capacity", humanize.FormatFloat("#,###.##", session.Capacity.CapacityMAh)+" mAh"))
	}

	r.logger.Info("session recorded", attrs...)

	return nil
}

// Fatal reports a connection failure seen while recording.
func (r *Recorder) Fatal() <-chan error {
	return r.fatal
}

func (r *Recorder) OnSamples(batch calibration.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.batches == nil {
		return
	}

	select {
	case r.batches <- batch:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("recorder buffer full, dropping batches", slog.Uint64("dropped", n))
		}
	}
}

func (r *Recorder) OnEvent(ev controller.Event) {
	switch {
	case ev.Kind == controller.EventError && isConnectionLoss(ev.Err):
		r.logger.Error("connection lost", slog.String("state", ev.State.String()), slog.String("error", ev.Message))
		r.fatalOnce.Do(func() { r.fatal <- ev.Err })

	case ev.Kind == controller.EventError:
		r.logger.Warn("acquisition error", slog.String("state", ev.State.String()), slog.String("error", ev.Message))

	case ev.Err != nil:
		r.logger.Warn(string(ev.Kind), slog.String("state", ev.State.String()), slog.String("error", ev.Err.Error()))

	default:
		r.logger.Info(string(ev.Kind), slog.String("state", ev.State.String()), slog.String("message", ev.Message))
	}
}

func isConnectionLoss(err error) bool {
	return transport.IsFatal(err) || errors.Is(err, transport.ErrClosed)
}

func (r *Recorder) write(ctx context.Context, sessionID string, batches <-chan calibration.Batch, done chan<- struct{}) {
	defer close(done)

	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	status := time.NewTicker(statusInterval)
	defer status.Stop()

	pending := make([]calibration.CalibratedSample, 0, r.maxBatchSize)

	store := func() {
		if len(pending) == 0 {
			return
		}

		if err := r.store.StoreSamples(ctx, sessionID, pending); err != nil {
			r.observer.ObserveStoreError()
			r.logger.Error("failed to store samples", slog.Int("samples", len(pending)), slog.String("error", err.Error()))
		} else {
			r.observer.ObserveStored(len(pending))
			r.samples.Add(uint64(len(pending)))
		}

		pending = pending[:0]
	}

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				store()
				return
			}

			r.frames.Add(1)
			r.last.Store(&batch)

			pending = append(pending, batch.Samples...)
			if len(pending) >= r.maxBatchSize {
				store()
			}

		case <-flush.C:
			store()

		case <-status.C:
			r.logStatus()
		}
	}
}

func (r *Recorder) logStatus() {
	attrs := []any{
		slog.String("frames", humanize.Comma(int64(r.frames.Load()))),
		slog.String("samples", humanize.Comma(int64(r.samples.Load()))),
	}

	if last := r.last.Load(); last != nil {
		attrs = append(attrs, slog.String("elapsed", roundDuration(time.Duration(last.Timestamp*float64(time.Second)))))

		if last.Capacity != nil && last.Capacity.Active {
			attrs = append(attrs, slog.String("capacity", humanize.FormatFloat("#,###.##", last.Capacity.CapacityMAh)+" mAh"))
		}
	}

	r.logger.Info("recording", attrs...)
}

func roundDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
