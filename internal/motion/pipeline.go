package motion

// State is the lifecycle state of a Pipeline.
type State int

const (
	// StateUninitialized means no sample has been seen yet.
	StateUninitialized State = iota
	// StateTracking means a time reference exists and samples are integrated.
	StateTracking
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// Result describes the outcome of one accepted sample.
type Result struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Gravity     Vector3 `json:"gravity"`
	Linear      Vector3 `json:"linear"`
	Magnitude   float32 `json:"magnitude"`
	Velocity    float32 `json:"velocity"` // Integrator output before smoothing
	Speed       float32 `json:"speed"`    // Smoothed speed, base unit m/s
}

// Counters tallies how the pipeline disposed of its input.
type Counters struct {
	Primed     uint64 `json:"primed"`
	Accepted   uint64 `json:"accepted"`
	Debounced  uint64 `json:"debounced"`
	OutOfOrder uint64 `json:"out_of_order"`
}

// Pipeline runs gravity isolation, linear acceleration, integration and
// smoothing over each accepted sample. It owns all filter state; nothing
// else mutates it.
type Pipeline struct {
	cfg Config

	gravity    *GravityFilter
	integrator *Integrator
	smoother   *Kalman

	state      State
	lastUpdate int64
	counters   Counters
}

// NewPipeline validates cfg and returns a pipeline in StateUninitialized.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:        cfg,
		gravity:    NewGravityFilter(cfg.LowPassAlpha),
		integrator: NewIntegrator(cfg.NoiseFloor, cfg.DampingFactor, cfg.ZeroSnapSpeed),
		smoother:   NewKalman(cfg.KalmanProcessNoise, cfg.KalmanMeasurementNoise),
	}, nil
}

// Accept processes s and returns the smoothed speed in m/s. The boolean is
// false while priming and for every dropped sample.
func (p *Pipeline) Accept(s Sample) (float32, bool) {
	r, ok := p.Process(s)
	return r.Speed, ok
}

// Process is Accept with the intermediate values of the accepted step.
//
// The first sample only establishes the time reference. After that, a
// sample is accepted when more than MinSampleInterval has passed since the
// last accepted one; anything sooner, or with a non-increasing timestamp,
// is dropped and leaves the state untouched.
func (p *Pipeline) Process(s Sample) (Result, bool) {
	if p.state == StateUninitialized {
		p.lastUpdate = s.TimestampMs
		if p.cfg.SeedGravityFromFirst {
			p.gravity.Seed(s)
		}
		p.state = StateTracking
		p.counters.Primed++
		return Result{}, false
	}

	elapsedMs := s.TimestampMs - p.lastUpdate
	if elapsedMs <= 0 {
		p.counters.OutOfOrder++
		return Result{}, false
	}
	if elapsedMs <= p.cfg.MinSampleInterval.Milliseconds() {
		p.counters.Debounced++
		return Result{}, false
	}
	p.lastUpdate = s.TimestampMs

	g := p.gravity.Apply(s)
	lin, mag := Linear(s, g)
	v := p.integrator.Integrate(mag, float32(elapsedMs)/1000)
	speed := p.smoother.Update(v)

	p.counters.Accepted++
	return Result{
		TimestampMs: s.TimestampMs,
		Gravity:     g,
		Linear:      lin,
		Magnitude:   mag,
		Velocity:    v,
		Speed:       speed,
	}, true
}

// State returns the lifecycle state.
func (p *Pipeline) State() State { return p.state }

// LastUpdate returns the timestamp of the last accepted (or priming)
// sample. It is meaningless in StateUninitialized.
func (p *Pipeline) LastUpdate() int64 { return p.lastUpdate }

// Velocity returns the unsmoothed integrator velocity.
func (p *Pipeline) Velocity() float32 { return p.integrator.Velocity() }

// Estimate returns the current smoothed speed.
func (p *Pipeline) Estimate() float32 { return p.smoother.Estimate() }

// Covariance returns the smoother's error covariance.
func (p *Pipeline) Covariance() float32 { return p.smoother.Covariance() }

// Gravity returns the current gravity estimate.
func (p *Pipeline) Gravity() Vector3 { return p.gravity.Estimate() }

// Stats returns the disposal tallies since construction or Reset.
func (p *Pipeline) Stats() Counters { return p.counters }

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() Config { return p.cfg }

// Reset discards all filter state and returns to StateUninitialized.
func (p *Pipeline) Reset() {
	p.gravity.Reset()
	p.integrator.Reset()
	p.smoother.Reset()
	p.state = StateUninitialized
	p.lastUpdate = 0
	p.counters = Counters{}
}
