package motion

import (
	"fmt"
	"time"

	"github.com/banshee-data/accelspeed/internal/config"
)

// Reference defaults for the pipeline.
const (
	DefaultLowPassAlpha           = 0.8
	DefaultMinSampleInterval      = 100 * time.Millisecond
	DefaultNoiseFloor             = 0.1
	DefaultDampingFactor          = 0.5
	DefaultZeroSnapSpeed          = 0.1
	DefaultKalmanProcessNoise     = 0.1
	DefaultKalmanMeasurementNoise = 0.1
)

// Config holds the tuning parameters of a Pipeline.
type Config struct {
	LowPassAlpha           float32       // Gravity low-pass coefficient [0,1]
	MinSampleInterval      time.Duration // Samples closer than this to the last accepted one are dropped
	NoiseFloor             float32       // Linear acceleration below this is treated as zero (m/s²)
	DampingFactor          float32       // Per-step velocity decay multiplier [0,1]
	ZeroSnapSpeed          float32       // Gated velocity below this snaps to zero (m/s)
	KalmanProcessNoise     float32       // Q
	KalmanMeasurementNoise float32       // R
	SeedGravityFromFirst   bool          // Initialise gravity from the priming sample instead of zero
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		LowPassAlpha:           DefaultLowPassAlpha,
		MinSampleInterval:      DefaultMinSampleInterval,
		NoiseFloor:             DefaultNoiseFloor,
		DampingFactor:          DefaultDampingFactor,
		ZeroSnapSpeed:          DefaultZeroSnapSpeed,
		KalmanProcessNoise:     DefaultKalmanProcessNoise,
		KalmanMeasurementNoise: DefaultKalmanMeasurementNoise,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig. Fields the
// tuning file omits take the built-in defaults.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		LowPassAlpha:           float32(cfg.GetLowPassAlpha()),
		MinSampleInterval:      time.Duration(cfg.GetMinSampleIntervalMs()) * time.Millisecond,
		NoiseFloor:             float32(cfg.GetNoiseFloor()),
		DampingFactor:          float32(cfg.GetDampingFactor()),
		ZeroSnapSpeed:          float32(cfg.GetZeroSnapSpeed()),
		KalmanProcessNoise:     float32(cfg.GetKalmanProcessNoise()),
		KalmanMeasurementNoise: float32(cfg.GetKalmanMeasurementNoise()),
		SeedGravityFromFirst:   cfg.GetSeedGravityFromFirst(),
	}
}

// Validate checks that the parameters keep the filters well defined.
func (c Config) Validate() error {
	if c.LowPassAlpha < 0 || c.LowPassAlpha > 1 {
		return fmt.Errorf("low pass alpha must be between 0 and 1, got %f", c.LowPassAlpha)
	}
	if c.MinSampleInterval < 0 {
		return fmt.Errorf("min sample interval must be non-negative, got %v", c.MinSampleInterval)
	}
	if c.NoiseFloor < 0 {
		return fmt.Errorf("noise floor must be non-negative, got %f", c.NoiseFloor)
	}
	if c.DampingFactor < 0 || c.DampingFactor > 1 {
		return fmt.Errorf("damping factor must be between 0 and 1, got %f", c.DampingFactor)
	}
	if c.ZeroSnapSpeed < 0 {
		return fmt.Errorf("zero snap speed must be non-negative, got %f", c.ZeroSnapSpeed)
	}
	if c.KalmanProcessNoise < 0 {
		return fmt.Errorf("kalman process noise must be non-negative, got %f", c.KalmanProcessNoise)
	}
	// R = 0 with a collapsed covariance divides zero by zero.
	if c.KalmanMeasurementNoise <= 0 {
		return fmt.Errorf("kalman measurement noise must be positive, got %f", c.KalmanMeasurementNoise)
	}
	return nil
}
