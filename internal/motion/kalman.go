package motion

// InitialCovariance is the error covariance a fresh Kalman smoother starts
// from.
const InitialCovariance = 1.0

// Kalman is a scalar Kalman filter with an identity state transition. The
// predict step is folded into the update: process noise is added to the
// covariance after each correction.
//
//	K = P / (P + R)
//	x = x + K·(z - x)
//	P = (1 - K)·P + Q
type Kalman struct {
	processNoise     float32
	measurementNoise float32

	estimate   float32
	covariance float32
	gain       float32
}

// NewKalman returns a smoother with estimate 0 and covariance
// InitialCovariance.
func NewKalman(processNoise, measurementNoise float32) *Kalman {
	return &Kalman{
		processNoise:     processNoise,
		measurementNoise: measurementNoise,
		covariance:       InitialCovariance,
	}
}

// Update corrects the estimate with measurement and returns it.
func (k *Kalman) Update(measurement float32) float32 {
	k.gain = k.covariance / (k.covariance + k.measurementNoise)
	k.estimate += k.gain * (measurement - k.estimate)
	k.covariance = (1-k.gain)*k.covariance + k.processNoise
	return k.estimate
}

// Estimate returns the current smoothed value.
func (k *Kalman) Estimate() float32 { return k.estimate }

// Covariance returns the current error covariance.
func (k *Kalman) Covariance() float32 { return k.covariance }

// Gain returns the gain used by the most recent Update, or 0 before the
// first one.
func (k *Kalman) Gain() float32 { return k.gain }

// Reset restores the initial state.
func (k *Kalman) Reset() {
	k.estimate = 0
	k.covariance = InitialCovariance
	k.gain = 0
}
