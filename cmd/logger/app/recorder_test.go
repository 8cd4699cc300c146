package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/lr-logger/internal/calibration"
	"github.com/roman-kulish/lr-logger/internal/controller"
	"github.com/roman-kulish/lr-logger/internal/device"
	"github.com/roman-kulish/lr-logger/internal/storage"
	"github.com/roman-kulish/lr-logger/internal/transport"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*controller.AcquisitionSession
	samples  map[string][]calibration.CalibratedSample
	writes   int
	finished map[string]*calibration.CapacityTest
	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*controller.AcquisitionSession),
		samples:  make(map[string][]calibration.CalibratedSample),
		finished: make(map[string]*calibration.CapacityTest),
	}
}

func (m *memStore) CreateSession(_ context.Context, s *controller.AcquisitionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) StoreSamples(_ context.Context, id string, samples []calibration.CalibratedSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}

	m.writes++
	m.samples[id] = append(m.samples[id], samples...)
	return nil
}

func (m *memStore) FinishSession(_ context.Context, id string, _ time.Time, capacity *calibration.CapacityTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return storage.ErrSessionNotFound
	}

	m.finished[id] = capacity
	return nil
}

func (m *memStore) Session(context.Context, string) (*storage.Session, error) {
	return nil, storage.ErrSessionNotFound
}

func (m *memStore) Sessions(context.Context) ([]*storage.Session, error) {
	return nil, nil
}

func (m *memStore) Close() error {
	return nil
}

func (m *memStore) stored(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.samples[id])
}

type countingObserver struct {
	mu     sync.Mutex
	stored int
	errors int
}

func (o *countingObserver) ObserveStored(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stored += n
}

func (o *countingObserver) ObserveStoreError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors++
}

func batch(seq uint64, n int) calibration.Batch {
	b := calibration.Batch{Sequence: seq, Timestamp: float64(seq) * 0.1}
	for i := range n {
		b.Samples = append(b.Samples, calibration.CalibratedSample{
			Channel:   device.ChannelID{Module: 1, Index: i + 1},
			Sequence:  seq,
			Timestamp: b.Timestamp,
		})
	}
	return b
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	observer := &countingObserver{}

	rec := NewRecorder(store, WithMaxBatchSize(4), WithStoreObserver(observer))

	// nothing is recorded before Begin
	rec.OnSamples(batch(0, 2))

	session := controller.AcquisitionSession{ID: "s-1", StartedAt: time.Now(), Running: true}
	require.NoError(t, rec.Begin(ctx, session))
	require.Error(t, rec.Begin(ctx, session), "already recording")

	for seq := uint64(1); seq <= 5; seq++ {
		rec.OnSamples(batch(seq, 2))
	}

	session.Running = false
	session.StoppedAt = time.Now()
	session.Capacity = &calibration.CapacityTest{Role: "pack", CurrentMA: 100, CapacityMAh: 1.5}
	require.NoError(t, rec.Finish(ctx, session))

	require.Equal(t, 10, store.stored("s-1"))
	require.Equal(t, 1.5, store.finished["s-1"].CapacityMAh)
	require.Equal(t, 10, observer.stored)

	// batches after Finish are ignored
	rec.OnSamples(batch(6, 2))
	require.Equal(t, 10, store.stored("s-1"))
	require.NoError(t, rec.Finish(ctx, session))
}

func TestRecorderStoreError(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.failNext = errors.New("disk full")
	observer := &countingObserver{}

	rec := NewRecorder(store, WithMaxBatchSize(2), WithStoreObserver(observer))
	session := controller.AcquisitionSession{ID: "s-2", StartedAt: time.Now()}

	require.NoError(t, rec.Begin(ctx, session))
	rec.OnSamples(batch(1, 2))
	rec.OnSamples(batch(2, 2))
	require.NoError(t, rec.Finish(ctx, session))

	require.Equal(t, 2, store.stored("s-2"))
	require.Equal(t, 1, observer.errors)
}

func TestRecorderFatal(t *testing.T) {
	rec := NewRecorder(newMemStore())

	rec.OnEvent(controller.Event{Kind: controller.EventRunning, State: controller.Running, Message: "s-1"})
	rec.OnEvent(controller.Event{Kind: controller.EventError, Err: errors.New("no data")})

	select {
	case err := <-rec.Fatal():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}

	lost := &transport.Error{Op: "read", Addr: "127.0.0.1:8800", Fatal: true, Err: errors.New("connection reset")}
	rec.OnEvent(controller.Event{Kind: controller.EventError, Err: lost, Message: lost.Error()})
	rec.OnEvent(controller.Event{Kind: controller.EventError, Err: lost, Message: lost.Error()})

	select {
	case err := <-rec.Fatal():
		require.True(t, transport.IsFatal(err))
	case <-time.After(time.Second):
		t.Fatal("expected a fatal error")
	}
}
