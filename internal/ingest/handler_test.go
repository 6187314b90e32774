package ingest

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/accelspeed/internal/db"
	"github.com/banshee-data/accelspeed/internal/motion"
	"github.com/banshee-data/accelspeed/internal/serialmux"
	"github.com/banshee-data/accelspeed/internal/timeutil"
)

type memStore struct {
	mu       sync.Mutex
	readings []db.SpeedReading
	err      error
}

func (s *memStore) RecordReading(r db.SpeedReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *memStore) all() []db.SpeedReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.SpeedReading(nil), s.readings...)
}

type memPublisher struct {
	mu        sync.Mutex
	published []db.SpeedReading
	err       error

	// When release is set, Publish signals entered and then waits for it.
	entered chan struct{}
	release chan struct{}
}

func (p *memPublisher) Publish(r db.SpeedReading) error {
	if p.release != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, r)
	return nil
}

func (p *memPublisher) Close() error { return nil }

func (p *memPublisher) all() []db.SpeedReading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]db.SpeedReading(nil), p.published...)
}

type testRig struct {
	h     *Handler
	store *memStore
	pub   *memPublisher
	clock *timeutil.MockClock
}

func newTestHandler(t *testing.T) *testRig {
	t.Helper()
	p, err := motion.NewPipeline(motion.DefaultConfig())
	require.NoError(t, err)
	rig := &testRig{
		store: &memStore{},
		pub:   &memPublisher{},
		clock: timeutil.NewMockClock(time.UnixMilli(5000)),
	}
	rig.h, err = NewHandler(HandlerConfig{
		Pipeline:  p,
		SessionID: "session-1",
		Store:     rig.store,
		Publisher: rig.pub,
		Clock:     rig.clock,
	})
	require.NoError(t, err)
	return rig
}

func TestNewHandler_RequiresPipeline(t *testing.T) {
	_, err := NewHandler(HandlerConfig{})
	assert.Error(t, err)
}

func TestHandler_AcceptedReading(t *testing.T) {
	rig := newTestHandler(t)

	require.NoError(t, rig.h.HandleEvent("0,0,0,9.8"))
	_, ok := rig.h.Latest()
	assert.False(t, ok, "priming sample produces no reading")

	require.NoError(t, rig.h.HandleEvent("150,0,0,9.8"))
	got, ok := rig.h.Latest()
	require.True(t, ok)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, int64(150), got.TimestampMs)
	assert.InDelta(t, 0.588/1.1, got.SpeedMPS, 1e-5)
	assert.InDelta(t, 0.588, got.VelocityMPS, 1e-5)
	assert.InDelta(t, 7.84, got.Magnitude, 1e-5)

	assert.Equal(t, []db.SpeedReading{got}, rig.store.all())
	require.NoError(t, rig.h.Close())
	assert.Equal(t, []db.SpeedReading{got}, rig.pub.all())

	st := rig.h.Stats()
	assert.Equal(t, uint64(2), st.Lines)
	assert.Equal(t, uint64(2), st.Samples)
	assert.Equal(t, uint64(1), st.Readings)
	assert.Equal(t, motion.Counters{Primed: 1, Accepted: 1}, st.Pipeline)
	assert.Equal(t, motion.StateTracking, rig.h.PipelineState())
}

func TestHandler_DebouncedSampleIsNotStored(t *testing.T) {
	rig := newTestHandler(t)
	require.NoError(t, rig.h.HandleEvent("0,0,0,9.8"))
	require.NoError(t, rig.h.HandleEvent("50,0,0,9.8"))
	require.NoError(t, rig.h.HandleEvent("-40,0,0,9.8"))

	assert.Empty(t, rig.store.all())
	st := rig.h.Stats()
	assert.Equal(t, uint64(1), st.Pipeline.Debounced)
	assert.Equal(t, uint64(1), st.Pipeline.OutOfOrder)
}

func TestHandler_UntimestampedLinesUseClock(t *testing.T) {
	rig := newTestHandler(t)
	require.NoError(t, rig.h.HandleEvent("0,0,9.8"))
	rig.clock.Advance(200 * time.Millisecond)
	require.NoError(t, rig.h.HandleEvent("0,0,9.8"))

	got, ok := rig.h.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(5200), got.TimestampMs)
}

func TestHandler_ConfigLinesMerge(t *testing.T) {
	rig := newTestHandler(t)
	require.NoError(t, rig.h.HandleEvent(`{"rate":20,"units":"ms2"}`))
	require.NoError(t, rig.h.HandleEvent(`{"rate":50}`))

	assert.Equal(t, map[string]any{"rate": 50.0, "units": "ms2"}, rig.h.DeviceConfig())
	assert.Equal(t, uint64(2), rig.h.Stats().ConfigLines)

	// The returned map is a copy.
	rig.h.DeviceConfig()["rate"] = 1.0
	assert.Equal(t, 50.0, rig.h.DeviceConfig()["rate"])
}

func TestHandler_UnknownAndInvalidLines(t *testing.T) {
	rig := newTestHandler(t)

	assert.NoError(t, rig.h.HandleEvent("hello device"))
	assert.ErrorIs(t, rig.h.HandleEvent("a,b,c"), ErrInvalidSample)

	st := rig.h.Stats()
	assert.Equal(t, uint64(1), st.UnknownLines)
	assert.Equal(t, uint64(1), st.ParseErrors)
	assert.Equal(t, uint64(0), st.Samples)
}

func TestHandler_NonFiniteResetsPipeline(t *testing.T) {
	rig := newTestHandler(t)
	require.NoError(t, rig.h.HandleEvent("0,0,0,9.8"))

	err := rig.h.HandleEvent("150,NaN,0,9.8")
	assert.ErrorIs(t, err, ErrNonFiniteSpeed)
	assert.Empty(t, rig.store.all())
	assert.Equal(t, motion.StateUninitialized, rig.h.PipelineState())
	assert.Equal(t, uint64(1), rig.h.Stats().NonFinite)

	// The next samples prime and track again from a clean state.
	require.NoError(t, rig.h.HandleEvent("300,0,0,9.8"))
	require.NoError(t, rig.h.HandleEvent("450,0,0,9.8"))
	got, ok := rig.h.Latest()
	require.True(t, ok)
	assert.False(t, math.IsNaN(got.SpeedMPS))
	assert.InDelta(t, 0.588/1.1, got.SpeedMPS, 1e-5)
}

func TestHandler_SinkErrorsStillAcceptReading(t *testing.T) {
	rig := newTestHandler(t)
	storeErr := errors.New("disk full")
	pubErr := errors.New("broker gone")
	rig.store.err = storeErr
	rig.pub.err = pubErr

	require.NoError(t, rig.h.HandleEvent("0,0,0,9.8"))
	err := rig.h.HandleEvent("150,0,0,9.8")
	assert.ErrorIs(t, err, storeErr)
	assert.NotErrorIs(t, err, pubErr, "publish failures are reported through Stats")

	_, ok := rig.h.Latest()
	assert.True(t, ok)
	require.NoError(t, rig.h.Close())
	st := rig.h.Stats()
	assert.Equal(t, uint64(1), st.StoreErrors)
	assert.Equal(t, uint64(1), st.PublishErrors)
	assert.Equal(t, uint64(1), st.Readings)
}

func TestHandler_SlowPublisherDoesNotBlockIngest(t *testing.T) {
	rig := newTestHandler(t)
	rig.pub.entered = make(chan struct{}, 1)
	rig.pub.release = make(chan struct{})

	require.NoError(t, rig.h.HandleEvent("0,0,0,9.8"))
	require.NoError(t, rig.h.HandleEvent("150,0,0,9.8"))
	<-rig.pub.entered

	// The publisher is stuck on the first reading; ingest and readers are not.
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.h.HandleEvent("300,0,0,9.8")
		rig.h.Latest()
		rig.h.Stats()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ingest blocked behind the publisher")
	}
	got, ok := rig.h.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(300), got.TimestampMs)
	assert.Len(t, rig.store.all(), 2)

	close(rig.pub.release)
	require.NoError(t, rig.h.Close())
	assert.Len(t, rig.pub.all(), 2)
}

func TestHandler_FullPublishQueueDrops(t *testing.T) {
	rig := newTestHandler(t)
	rig.pub.entered = make(chan struct{}, 1)
	rig.pub.release = make(chan struct{})

	rig.h.HandleEvent("0,0,0,9.8")
	rig.h.HandleEvent("150,0,0,9.8")
	<-rig.pub.entered

	const extra = 4
	for i := 0; i < PublishBuffer+extra; i++ {
		_, ok, err := rig.h.HandleSample(motion.Sample{Z: 9.8, TimestampMs: int64(300 + i*150)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, uint64(extra), rig.h.Stats().PublishDrops)

	close(rig.pub.release)
	require.NoError(t, rig.h.Close())
	assert.Len(t, rig.pub.all(), 1+PublishBuffer)
	assert.Len(t, rig.store.all(), 1+PublishBuffer+extra)
}

func TestHandler_AcceptsAfterClose(t *testing.T) {
	rig := newTestHandler(t)
	require.NoError(t, rig.h.Close())
	require.NoError(t, rig.h.Close(), "Close is idempotent")

	require.NoError(t, rig.h.HandleEvent("0,0,0,9.8"))
	require.NoError(t, rig.h.HandleEvent("150,0,0,9.8"))
	assert.Len(t, rig.store.all(), 1)
	assert.Empty(t, rig.pub.all())
}

func TestHandler_Subscribers(t *testing.T) {
	rig := newTestHandler(t)
	id, ch := rig.h.Subscribe()

	rig.h.HandleEvent("0,0,0,9.8")
	rig.h.HandleEvent("150,0,0,9.8")

	select {
	case r := <-ch:
		assert.Equal(t, int64(150), r.TimestampMs)
	case <-time.After(time.Second):
		t.Fatal("no reading delivered")
	}

	rig.h.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel closed on unsubscribe")
	rig.h.Unsubscribe(id)
}

func TestHandler_FullSubscriberDrops(t *testing.T) {
	rig := newTestHandler(t)
	_, ch := rig.h.Subscribe()

	const extra = 3
	rig.h.HandleEvent("0,0,0,9.8")
	for i := 1; i <= ReadingBuffer+extra; i++ {
		_, ok, err := rig.h.HandleSample(motion.Sample{Z: 9.8, TimestampMs: int64(i * 150)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Len(t, ch, ReadingBuffer)
	assert.Equal(t, uint64(extra), rig.h.Stats().Dropped)
}

func TestHandler_Reset(t *testing.T) {
	rig := newTestHandler(t)
	rig.h.HandleEvent("0,0,0,9.8")
	rig.h.HandleEvent("150,0,0,9.8")
	rig.h.Reset()

	_, ok := rig.h.Latest()
	assert.False(t, ok)
	assert.Equal(t, motion.StateUninitialized, rig.h.PipelineState())
}

// pipePort is a SerialPorter fed by the test.
type pipePort struct {
	*io.PipeReader
	feed *io.PipeWriter
}

func (p *pipePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *pipePort) Close() error {
	p.feed.Close()
	return p.PipeReader.Close()
}

// signalMux reports when Run has subscribed.
type signalMux struct {
	serialmux.SerialMuxInterface
	subscribed chan struct{}
}

func (m *signalMux) Subscribe() (string, chan string) {
	id, ch := m.SerialMuxInterface.Subscribe()
	close(m.subscribed)
	return id, ch
}

func TestHandler_RunFromSerialMux(t *testing.T) {
	rig := newTestHandler(t)
	r, w := io.Pipe()
	mux := &signalMux{
		SerialMuxInterface: serialmux.NewSerialMux(&pipePort{PipeReader: r, feed: w}),
		subscribed:         make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- rig.h.Run(ctx, mux) }()
	<-mux.subscribed

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- mux.Monitor(ctx) }()
	go io.WriteString(w, "0,0,0,9.8\n150,0,0,9.8\n")

	require.Eventually(t, func() bool { return len(rig.store.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-runDone, context.Canceled)
	<-monitorDone
	mux.Close()
}

func TestHandler_RunStopsWhenMuxCloses(t *testing.T) {
	rig := newTestHandler(t)
	r, w := io.Pipe()
	mux := &signalMux{
		SerialMuxInterface: serialmux.NewSerialMux(&pipePort{PipeReader: r, feed: w}),
		subscribed:         make(chan struct{}),
	}

	runDone := make(chan error, 1)
	go func() { runDone <- rig.h.Run(context.Background(), mux) }()
	<-mux.subscribed

	require.NoError(t, mux.Close())
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
