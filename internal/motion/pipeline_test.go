package motion

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/accelspeed/internal/config"
)

func newTestPipeline(t *testing.T, mutate func(*Config)) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	return p
}

func stationary(ts int64) Sample { return Sample{Z: 9.8, TimestampMs: ts} }

func TestPipeline_Priming(t *testing.T) {
	p := newTestPipeline(t, nil)
	assert.Equal(t, StateUninitialized, p.State())

	speed, ok := p.Accept(Sample{X: 50, Y: 50, Z: 50, TimestampMs: 1000})
	assert.False(t, ok)
	assert.Equal(t, float32(0), speed)
	assert.Equal(t, StateTracking, p.State())
	assert.Equal(t, int64(1000), p.LastUpdate())

	// Filters are untouched by the priming sample.
	assert.Equal(t, Vector3{}, p.Gravity())
	assert.Equal(t, float32(0), p.Velocity())
	assert.Equal(t, float32(0), p.Estimate())
	assert.Equal(t, float32(InitialCovariance), p.Covariance())
	assert.Equal(t, Counters{Primed: 1}, p.Stats())
}

func TestPipeline_FirstAcceptedSample(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Accept(stationary(0))

	r, ok := p.Process(stationary(150))
	require.True(t, ok)
	assert.InDelta(t, 1.96, r.Gravity[2], 1e-5)
	assert.InDelta(t, 7.84, r.Magnitude, 1e-5)
	// 7.84 m/s² over 0.15 s, halved by damping.
	assert.InDelta(t, 0.588, r.Velocity, 1e-5)
	assert.InDelta(t, 0.588/1.1, r.Speed, 1e-5)
	assert.Equal(t, int64(150), r.TimestampMs)
	assert.Equal(t, r.Speed, p.Estimate())
}

func TestPipeline_Debounce(t *testing.T) {
	tests := []struct {
		name     string
		ts       int64
		accepted bool
	}{
		{"well inside window", 50, false},
		{"exactly on the interval", 100, false},
		{"just past the interval", 101, true},
		{"long gap", 5000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, nil)
			p.Accept(stationary(0))

			_, ok := p.Accept(stationary(tt.ts))
			assert.Equal(t, tt.accepted, ok)
			if tt.accepted {
				assert.Equal(t, tt.ts, p.LastUpdate())
				assert.Equal(t, uint64(1), p.Stats().Accepted)
			} else {
				assert.Equal(t, int64(0), p.LastUpdate())
				assert.Equal(t, Vector3{}, p.Gravity())
				assert.Equal(t, uint64(1), p.Stats().Debounced)
			}
		})
	}
}

func TestPipeline_DroppedSampleLeavesStateUntouched(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Accept(stationary(0))
	p.Accept(Sample{X: 3, Z: 9.8, TimestampMs: 200})

	g, v, est, cov := p.Gravity(), p.Velocity(), p.Estimate(), p.Covariance()
	_, ok := p.Accept(Sample{X: 40, Y: 40, Z: 40, TimestampMs: 250})
	require.False(t, ok)

	assert.Equal(t, g, p.Gravity())
	assert.Equal(t, v, p.Velocity())
	assert.Equal(t, est, p.Estimate())
	assert.Equal(t, cov, p.Covariance())
	assert.Equal(t, int64(200), p.LastUpdate())
}

func TestPipeline_OutOfOrderDropped(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Accept(stationary(1000))

	_, ok := p.Accept(stationary(900))
	assert.False(t, ok)
	_, ok = p.Accept(stationary(1000))
	assert.False(t, ok)

	assert.Equal(t, int64(1000), p.LastUpdate())
	assert.Equal(t, Counters{Primed: 1, OutOfOrder: 2}, p.Stats())
}

func TestPipeline_NoMotionWithSeededGravity(t *testing.T) {
	p := newTestPipeline(t, func(c *Config) { c.SeedGravityFromFirst = true })
	p.Accept(stationary(0))

	for i := int64(1); i <= 50; i++ {
		speed, ok := p.Accept(stationary(i * 150))
		require.True(t, ok)
		assert.Equal(t, float32(0), speed, "sample %d", i)
	}
	assert.Equal(t, float32(0), p.Velocity())
}

func TestPipeline_NoMotionSettlesFromZeroGravity(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Accept(stationary(0))

	var speed float32
	for i := int64(1); i <= 200; i++ {
		speed, _ = p.Accept(stationary(i * 150))
	}
	assert.InDelta(t, 0, speed, 1e-3)
	assert.Equal(t, float32(0), p.Velocity())
	assert.InDelta(t, 9.8, p.Gravity()[2], 1e-4)
}

func TestPipeline_StationaryTransientFromZeroGravity(t *testing.T) {
	// Gravity starts at zero, so a device at rest reads as moving until the
	// low-pass estimate catches up with the 9.8 m/s² it is fed.
	p := newTestPipeline(t, nil)
	_, ok := p.Accept(stationary(0))
	require.False(t, ok)

	speed, ok := p.Accept(stationary(150))
	require.True(t, ok)
	assert.InDelta(t, 0.53455, speed, 1e-4)

	speed, ok = p.Accept(stationary(300))
	require.True(t, ok)
	assert.InDelta(t, 0.68539, speed, 1e-4)

	speed, ok = p.Accept(stationary(450))
	require.True(t, ok)
	assert.InDelta(t, 0.73099, speed, 1e-4, "peak")

	prev := speed
	for i := int64(4); i <= 30; i++ {
		speed, ok = p.Accept(stationary(i * 150))
		require.True(t, ok)
		assert.Less(t, speed, prev, "sample %d", i)
		assert.GreaterOrEqual(t, speed, float32(0), "sample %d", i)
		prev = speed

		// The residual falls under the noise floor at the 21st step and
		// the integrator snaps to rest.
		if i < 21 {
			assert.Greater(t, p.Velocity(), float32(0), "sample %d", i)
		} else {
			assert.Equal(t, float32(0), p.Velocity(), "sample %d", i)
		}
	}
	assert.Less(t, speed, float32(1e-4))
}

func TestPipeline_SpikeThenRest(t *testing.T) {
	p := newTestPipeline(t, func(c *Config) { c.SeedGravityFromFirst = true })
	p.Accept(stationary(0))
	for _, ts := range []int64{150, 300} {
		speed, ok := p.Accept(stationary(ts))
		require.True(t, ok)
		require.Equal(t, float32(0), speed)
	}

	r, ok := p.Process(Sample{X: 5, Z: 9.8, TimestampMs: 450})
	require.True(t, ok)
	assert.InDelta(t, 1, r.Gravity[0], 1e-5)
	assert.InDelta(t, 4, r.Magnitude, 1e-5)
	assert.InDelta(t, 0.3, r.Velocity, 1e-5)
	assert.Greater(t, r.Speed, float32(0))

	ts := int64(450)
	var speed float32
	for i := 0; i < 40; i++ {
		ts += 150
		speed, ok = p.Accept(stationary(ts))
		require.True(t, ok)
	}
	assert.Less(t, speed, float32(0.01))
	assert.GreaterOrEqual(t, speed, float32(0))
	assert.Equal(t, float32(0), p.Velocity())
}

func TestPipeline_NonFiniteInputPropagatesNaN(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
	}{
		{"nan axis", Sample{X: float32(math.NaN()), Z: 9.8, TimestampMs: 200}},
		{"positive infinity", Sample{Y: float32(math.Inf(1)), TimestampMs: 200}},
		{"negative infinity", Sample{Z: float32(math.Inf(-1)), TimestampMs: 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, nil)
			p.Accept(stationary(0))

			var (
				got float32
				ok  bool
			)
			assert.NotPanics(t, func() { got, ok = p.Accept(tt.sample) })
			assert.True(t, ok)
			assert.True(t, math.IsNaN(float64(got)), "got %v", got)
		})
	}
}

func TestPipeline_Reset(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Accept(stationary(0))
	p.Accept(Sample{X: 4, Z: 9.8, TimestampMs: 200})

	p.Reset()
	assert.Equal(t, StateUninitialized, p.State())
	assert.Equal(t, Vector3{}, p.Gravity())
	assert.Equal(t, float32(0), p.Velocity())
	assert.Equal(t, float32(0), p.Estimate())
	assert.Equal(t, Counters{}, p.Stats())

	// After reset the next sample primes again.
	_, ok := p.Accept(stationary(10))
	assert.False(t, ok)
	assert.Equal(t, int64(10), p.LastUpdate())
}

func TestPipeline_ZeroIntervalAcceptsAnyForwardStep(t *testing.T) {
	p := newTestPipeline(t, func(c *Config) { c.MinSampleInterval = 0 })
	p.Accept(stationary(0))
	_, ok := p.Accept(stationary(1))
	assert.True(t, ok)
	_, ok = p.Accept(stationary(1))
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "tracking", StateTracking.String())
	assert.Equal(t, "unknown", State(7).String())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"alpha above one", func(c *Config) { c.LowPassAlpha = 1.2 }, "low pass alpha"},
		{"alpha negative", func(c *Config) { c.LowPassAlpha = -0.1 }, "low pass alpha"},
		{"negative interval", func(c *Config) { c.MinSampleInterval = -time.Millisecond }, "min sample interval"},
		{"negative noise floor", func(c *Config) { c.NoiseFloor = -1 }, "noise floor"},
		{"damping above one", func(c *Config) { c.DampingFactor = 1.5 }, "damping factor"},
		{"negative zero snap", func(c *Config) { c.ZeroSnapSpeed = -0.1 }, "zero snap speed"},
		{"negative process noise", func(c *Config) { c.KalmanProcessNoise = -0.1 }, "process noise"},
		{"zero measurement noise", func(c *Config) { c.KalmanMeasurementNoise = 0 }, "measurement noise"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			_, err = NewPipeline(cfg)
			assert.Error(t, err)
		})
	}
}

func TestConfigFromTuning(t *testing.T) {
	t.Run("empty tuning yields defaults", func(t *testing.T) {
		assert.Equal(t, DefaultConfig(), ConfigFromTuning(&config.TuningConfig{}))
	})

	t.Run("overrides are applied", func(t *testing.T) {
		cfg := ConfigFromTuning(&config.TuningConfig{
			LowPassAlpha:         config.PtrFloat64(0.9),
			MinSampleIntervalMs:  config.PtrInt(20),
			SeedGravityFromFirst: config.PtrBool(true),
		})
		assert.InDelta(t, 0.9, cfg.LowPassAlpha, 1e-6)
		assert.Equal(t, 20*time.Millisecond, cfg.MinSampleInterval)
		assert.True(t, cfg.SeedGravityFromFirst)
		assert.InDelta(t, DefaultNoiseFloor, cfg.NoiseFloor, 1e-6)
	})
}
