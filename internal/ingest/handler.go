package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/accelspeed/internal/db"
	"github.com/banshee-data/accelspeed/internal/monitoring"
	"github.com/banshee-data/accelspeed/internal/motion"
	"github.com/banshee-data/accelspeed/internal/publish"
	"github.com/banshee-data/accelspeed/internal/serialmux"
	"github.com/banshee-data/accelspeed/internal/timeutil"
)

// ErrNonFiniteSpeed is returned when the pipeline produced NaN or Inf. The
// reading is not stored and the pipeline is reset.
var ErrNonFiniteSpeed = errors.New("pipeline produced a non-finite speed")

// ReadingBuffer is the channel capacity of each live subscriber.
const ReadingBuffer = 16

// PublishBuffer is the number of readings queued for the publisher. Readings
// beyond it are dropped rather than stalling ingestion.
const PublishBuffer = 64

// Store persists accepted readings. *db.DB satisfies it.
type Store interface {
	RecordReading(r db.SpeedReading) error
}

// LineHandler consumes one text line received at receivedMs. Lines without
// their own timestamp are stamped with receivedMs.
type LineHandler interface {
	HandleEventAt(payload string, receivedMs int64) error
}

// HandlerConfig wires a Handler. Pipeline is required; the rest is optional.
type HandlerConfig struct {
	Pipeline  *motion.Pipeline
	SessionID string
	Store     Store
	Publisher publish.Publisher
	Clock     timeutil.Clock
}

// Stats counts what the handler has seen since it was created.
type Stats struct {
	Lines         uint64          `json:"lines"`
	Samples       uint64          `json:"samples"`
	Readings      uint64          `json:"readings"`
	ConfigLines   uint64          `json:"config_lines"`
	UnknownLines  uint64          `json:"unknown_lines"`
	ParseErrors   uint64          `json:"parse_errors"`
	StoreErrors   uint64          `json:"store_errors"`
	PublishErrors uint64          `json:"publish_errors"`
	PublishDrops  uint64          `json:"publish_drops"` // readings not queued for a busy publisher
	NonFinite     uint64          `json:"non_finite"`
	Dropped       uint64          `json:"dropped"` // readings not delivered to a full subscriber
	Pipeline      motion.Counters `json:"pipeline"`
}

// Handler owns one pipeline for one session. It turns lines into samples,
// feeds them through the pipeline in arrival order, and hands accepted
// readings to the store, the publisher and live subscribers. Publishing runs
// on its own goroutine and never blocks ingestion; Close stops it.
type Handler struct {
	sessionID string
	store     Store
	pub       publish.Publisher
	clock     timeutil.Clock

	mu       sync.Mutex
	pipeline *motion.Pipeline
	latest   *db.SpeedReading
	device   map[string]any
	stats    Stats
	closed   bool

	pubQueue chan db.SpeedReading
	pubDone  chan struct{}

	subMu sync.Mutex
	subs  map[string]chan db.SpeedReading
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("ingest: pipeline is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = publish.NopPublisher{}
	}
	h := &Handler{
		sessionID: cfg.SessionID,
		store:     cfg.Store,
		pub:       cfg.Publisher,
		clock:     cfg.Clock,
		pipeline:  cfg.Pipeline,
		device:    make(map[string]any),
		pubQueue:  make(chan db.SpeedReading, PublishBuffer),
		pubDone:   make(chan struct{}),
		subs:      make(map[string]chan db.SpeedReading),
	}
	go h.publishLoop()
	return h, nil
}

func (h *Handler) publishLoop() {
	defer close(h.pubDone)
	for r := range h.pubQueue {
		if err := h.pub.Publish(r); err != nil {
			h.mu.Lock()
			h.stats.PublishErrors++
			h.mu.Unlock()
			monitoring.Logf("ingest: failed to publish reading at %d: %v", r.TimestampMs, err)
		}
	}
}

// Close delivers the readings already queued for the publisher and stops
// publishing. Readings accepted afterwards are still stored and fanned out.
// It does not close the Publisher itself.
func (h *Handler) Close() error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.pubQueue)
	}
	h.mu.Unlock()
	<-h.pubDone
	return nil
}

// SessionID returns the session readings are recorded against.
func (h *Handler) SessionID() string { return h.sessionID }

// HandleEvent handles a line received now.
func (h *Handler) HandleEvent(payload string) error {
	return h.HandleEventAt(payload, timeutil.NowMillis(h.clock))
}

// HandleEventAt classifies payload and dispatches it. Unknown lines are
// logged and ignored.
func (h *Handler) HandleEventAt(payload string, receivedMs int64) error {
	h.mu.Lock()
	h.stats.Lines++
	h.mu.Unlock()

	switch serialmux.ClassifyPayload(payload) {
	case serialmux.EventTypeAccelSample:
		s, err := ParseSample(payload, receivedMs)
		if err != nil {
			h.mu.Lock()
			h.stats.ParseErrors++
			h.mu.Unlock()
			return err
		}
		_, _, err = h.HandleSample(s)
		return err
	case serialmux.EventTypeConfig:
		if err := h.handleConfig(payload); err != nil {
			return fmt.Errorf("failed to handle config response: %w", err)
		}
	default:
		h.mu.Lock()
		h.stats.UnknownLines++
		h.mu.Unlock()
		monitoring.Debugf("ingest: unknown event type: %s", payload)
	}
	return nil
}

func (h *Handler) handleConfig(payload string) error {
	var values map[string]any
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.ConfigLines++
	for k, v := range values {
		h.device[k] = v
	}
	monitoring.Debugf("ingest: config line: %s", payload)
	return nil
}

// HandleSample runs s through the pipeline. It returns the reading and true
// when the sample was accepted. A store failure is counted and returned, but
// the reading still counts as accepted. Publishing is asynchronous: its
// failures only show up in Stats.
func (h *Handler) HandleSample(s motion.Sample) (db.SpeedReading, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.Samples++
	res, ok := h.pipeline.Process(s)
	if !ok {
		return db.SpeedReading{}, false, nil
	}
	if !finite(res.Speed) || !finite(res.Velocity) || !finite(res.Magnitude) {
		h.stats.NonFinite++
		h.pipeline.Reset()
		monitoring.Logf("ingest: non-finite output at %d (sample %v,%v,%v); pipeline reset",
			s.TimestampMs, s.X, s.Y, s.Z)
		return db.SpeedReading{}, false, ErrNonFiniteSpeed
	}

	r := db.SpeedReading{
		SessionID:   h.sessionID,
		TimestampMs: res.TimestampMs,
		SpeedMPS:    float64(res.Speed),
		VelocityMPS: float64(res.Velocity),
		Magnitude:   float64(res.Magnitude),
	}
	h.latest = &r
	h.stats.Readings++

	var storeErr error
	if h.store != nil {
		if err := h.store.RecordReading(r); err != nil {
			h.stats.StoreErrors++
			storeErr = fmt.Errorf("failed to record reading: %w", err)
		}
	}
	if !h.closed {
		select {
		case h.pubQueue <- r:
		default:
			h.stats.PublishDrops++
		}
	}
	h.fanOut(r)
	return r, true, storeErr
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// fanOut never blocks; a full subscriber misses the reading. Called with mu
// held.
func (h *Handler) fanOut(r db.SpeedReading) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- r:
		default:
			h.stats.Dropped++
		}
	}
}

// Subscribe returns a channel of accepted readings.
func (h *Handler) Subscribe() (string, <-chan db.SpeedReading) {
	id := uuid.NewString()
	ch := make(chan db.SpeedReading, ReadingBuffer)
	h.subMu.Lock()
	h.subs[id] = ch
	h.subMu.Unlock()
	return id, ch
}

// Unsubscribe closes and forgets the channel returned for id.
func (h *Handler) Unsubscribe(id string) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

// Latest returns the most recent accepted reading.
func (h *Handler) Latest() (db.SpeedReading, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return db.SpeedReading{}, false
	}
	return *h.latest, true
}

// DeviceConfig returns a copy of the config values the device has reported.
func (h *Handler) DeviceConfig() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]any, len(h.device))
	for k, v := range h.device {
		out[k] = v
	}
	return out
}

// PipelineConfig returns the configuration of the owned pipeline.
func (h *Handler) PipelineConfig() motion.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pipeline.Config()
}

// PipelineState returns the lifecycle state of the owned pipeline.
func (h *Handler) PipelineState() motion.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pipeline.State()
}

func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stats
	st.Pipeline = h.pipeline.Stats()
	return st
}

// Reset clears the pipeline so the next sample primes it again.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pipeline.Reset()
	h.latest = nil
}

// Run feeds every line from mux into the handler until ctx is done or the
// mux closes its subscription.
func (h *Handler) Run(ctx context.Context, mux serialmux.SerialMuxInterface) error {
	id, c := mux.Subscribe()
	defer mux.Unsubscribe(id)
	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return nil
			}
			if err := h.HandleEvent(payload); err != nil {
				monitoring.Logf("ingest: error handling event: %v", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var _ LineHandler = (*Handler)(nil)
