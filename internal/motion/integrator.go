package motion

// Integrator accumulates linear acceleration magnitude into a running speed
// estimate. Each step applies, in order: the noise gate, Euler
// integration, multiplicative damping, and the stationary zero-snap.
//
// Damping stands in for unmodelled drag and bounds integration drift; with
// constant input m over a constant step dt the velocity converges to
// d·m·dt/(1-d) for damping factor d.
type Integrator struct {
	noiseFloor    float32
	damping       float32
	zeroSnapSpeed float32
	velocity      float32
}

// NewIntegrator returns an integrator at rest.
func NewIntegrator(noiseFloor, damping, zeroSnapSpeed float32) *Integrator {
	return &Integrator{
		noiseFloor:    noiseFloor,
		damping:       damping,
		zeroSnapSpeed: zeroSnapSpeed,
	}
}

// Integrate advances the velocity by one step of elapsedSeconds and returns
// the updated value. Non-finite input propagates into the velocity.
func (in *Integrator) Integrate(magnitude, elapsedSeconds float32) float32 {
	accel := magnitude
	if accel < in.noiseFloor {
		accel = 0
	}

	in.velocity += accel * elapsedSeconds
	in.velocity *= in.damping

	if accel == 0 && in.velocity < in.zeroSnapSpeed {
		in.velocity = 0
	}
	return in.velocity
}

// Velocity returns the current velocity without advancing it.
func (in *Integrator) Velocity() float32 {
	return in.velocity
}

// Reset brings the integrator back to rest.
func (in *Integrator) Reset() {
	in.velocity = 0
}
