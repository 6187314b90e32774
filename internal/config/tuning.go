package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// Reference values returned by the Get* accessors when a field is unset.
const (
	DefaultLowPassAlpha           = 0.8
	DefaultMinSampleIntervalMs    = 100
	DefaultNoiseFloor             = 0.1
	DefaultDampingFactor          = 0.5
	DefaultZeroSnapSpeed          = 0.1
	DefaultKalmanProcessNoise     = 0.1
	DefaultKalmanMeasurementNoise = 0.1
	DefaultSeedGravityFromFirst   = false
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// TuningConfig holds the motion pipeline parameters. The schema matches
// the /api/config endpoint so the same document can be used for startup
// configuration and inspection. Nil fields fall back to the built-in
// defaults through the Get* methods, so partial files are safe.
type TuningConfig struct {
	// Gravity isolation
	LowPassAlpha         *float64 `json:"low_pass_alpha,omitempty" yaml:"low_pass_alpha,omitempty"`
	SeedGravityFromFirst *bool    `json:"seed_gravity_from_first,omitempty" yaml:"seed_gravity_from_first,omitempty"`

	// Sample acceptance
	MinSampleIntervalMs *int `json:"min_sample_interval_ms,omitempty" yaml:"min_sample_interval_ms,omitempty"`

	// Integration
	NoiseFloor    *float64 `json:"noise_floor,omitempty" yaml:"noise_floor,omitempty"`
	DampingFactor *float64 `json:"damping_factor,omitempty" yaml:"damping_factor,omitempty"`
	ZeroSnapSpeed *float64 `json:"zero_snap_speed,omitempty" yaml:"zero_snap_speed,omitempty"`

	// Smoothing
	KalmanProcessNoise     *float64 `json:"kalman_process_noise,omitempty" yaml:"kalman_process_noise,omitempty"`
	KalmanMeasurementNoise *float64 `json:"kalman_measurement_noise,omitempty" yaml:"kalman_measurement_noise,omitempty"`
}

// Helper functions to create pointers
func PtrFloat64(v float64) *float64 { return &v }
func PtrBool(v bool) *bool          { return &v }
func PtrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated
// from the built-in defaults.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		LowPassAlpha:           PtrFloat64(DefaultLowPassAlpha),
		SeedGravityFromFirst:   PtrBool(DefaultSeedGravityFromFirst),
		MinSampleIntervalMs:    PtrInt(DefaultMinSampleIntervalMs),
		NoiseFloor:             PtrFloat64(DefaultNoiseFloor),
		DampingFactor:          PtrFloat64(DefaultDampingFactor),
		ZeroSnapSpeed:          PtrFloat64(DefaultZeroSnapSpeed),
		KalmanProcessNoise:     PtrFloat64(DefaultKalmanProcessNoise),
		KalmanMeasurementNoise: PtrFloat64(DefaultKalmanMeasurementNoise),
	}
}

// LoadTuningConfig loads a TuningConfig from a .json, .yaml or .yml file
// no larger than 1MB. Unknown JSON fields are rejected.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *TuningConfig
	if ext == ".json" {
		cfg, err = ParseTuningJSON(data)
	} else {
		cfg, err = ParseTuningYAML(data)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseTuningJSON decodes and validates a JSON tuning document.
func ParseTuningJSON(data []byte) (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseTuningYAML decodes and validates a YAML tuning document.
func ParseTuningYAML(data []byte) (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FindDefaultConfig loads DefaultConfigPath from the working directory or
// the nearest of its parents that has it, and returns the path it used. The
// error wraps fs.ErrNotExist when no candidate exists; a file that exists
// but does not load is reported as is.
func FindDefaultConfig() (*TuningConfig, string, error) {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/replay/
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := LoadTuningConfig(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}
	return nil, "", fmt.Errorf("cannot find %s: %w", DefaultConfigPath, fs.ErrNotExist)
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.LowPassAlpha != nil && (*c.LowPassAlpha < 0 || *c.LowPassAlpha > 1) {
		return fmt.Errorf("low_pass_alpha must be between 0 and 1, got %f", *c.LowPassAlpha)
	}
	if c.MinSampleIntervalMs != nil && *c.MinSampleIntervalMs < 0 {
		return fmt.Errorf("min_sample_interval_ms must be non-negative, got %d", *c.MinSampleIntervalMs)
	}
	if c.NoiseFloor != nil && *c.NoiseFloor < 0 {
		return fmt.Errorf("noise_floor must be non-negative, got %f", *c.NoiseFloor)
	}
	if c.DampingFactor != nil && (*c.DampingFactor < 0 || *c.DampingFactor > 1) {
		return fmt.Errorf("damping_factor must be between 0 and 1, got %f", *c.DampingFactor)
	}
	if c.ZeroSnapSpeed != nil && *c.ZeroSnapSpeed < 0 {
		return fmt.Errorf("zero_snap_speed must be non-negative, got %f", *c.ZeroSnapSpeed)
	}
	if c.KalmanProcessNoise != nil && *c.KalmanProcessNoise < 0 {
		return fmt.Errorf("kalman_process_noise must be non-negative, got %f", *c.KalmanProcessNoise)
	}
	if c.KalmanMeasurementNoise != nil && *c.KalmanMeasurementNoise <= 0 {
		return fmt.Errorf("kalman_measurement_noise must be positive, got %f", *c.KalmanMeasurementNoise)
	}
	return nil
}

// Resolved returns a copy with every nil field replaced by its default.
func (c *TuningConfig) Resolved() *TuningConfig {
	return &TuningConfig{
		LowPassAlpha:           PtrFloat64(c.GetLowPassAlpha()),
		SeedGravityFromFirst:   PtrBool(c.GetSeedGravityFromFirst()),
		MinSampleIntervalMs:    PtrInt(c.GetMinSampleIntervalMs()),
		NoiseFloor:             PtrFloat64(c.GetNoiseFloor()),
		DampingFactor:          PtrFloat64(c.GetDampingFactor()),
		ZeroSnapSpeed:          PtrFloat64(c.GetZeroSnapSpeed()),
		KalmanProcessNoise:     PtrFloat64(c.GetKalmanProcessNoise()),
		KalmanMeasurementNoise: PtrFloat64(c.GetKalmanMeasurementNoise()),
	}
}

// GetLowPassAlpha returns the low_pass_alpha value or the default.
func (c *TuningConfig) GetLowPassAlpha() float64 {
	if c.LowPassAlpha == nil {
		return DefaultLowPassAlpha
	}
	return *c.LowPassAlpha
}

// GetSeedGravityFromFirst returns the seed_gravity_from_first value or the default.
func (c *TuningConfig) GetSeedGravityFromFirst() bool {
	if c.SeedGravityFromFirst == nil {
		return DefaultSeedGravityFromFirst
	}
	return *c.SeedGravityFromFirst
}

// GetMinSampleIntervalMs returns the min_sample_interval_ms value or the default.
func (c *TuningConfig) GetMinSampleIntervalMs() int {
	if c.MinSampleIntervalMs == nil {
		return DefaultMinSampleIntervalMs
	}
	return *c.MinSampleIntervalMs
}

// GetNoiseFloor returns the noise_floor value or the default.
func (c *TuningConfig) GetNoiseFloor() float64 {
	if c.NoiseFloor == nil {
		return DefaultNoiseFloor
	}
	return *c.NoiseFloor
}

// GetDampingFactor returns the damping_factor value or the default.
func (c *TuningConfig) GetDampingFactor() float64 {
	if c.DampingFactor == nil {
		return DefaultDampingFactor
	}
	return *c.DampingFactor
}

// GetZeroSnapSpeed returns the zero_snap_speed value or the default.
func (c *TuningConfig) GetZeroSnapSpeed() float64 {
	if c.ZeroSnapSpeed == nil {
		return DefaultZeroSnapSpeed
	}
	return *c.ZeroSnapSpeed
}

// GetKalmanProcessNoise returns the kalman_process_noise value or the default.
func (c *TuningConfig) GetKalmanProcessNoise() float64 {
	if c.KalmanProcessNoise == nil {
		return DefaultKalmanProcessNoise
	}
	return *c.KalmanProcessNoise
}

// GetKalmanMeasurementNoise returns the kalman_measurement_noise value or the default.
func (c *TuningConfig) GetKalmanMeasurementNoise() float64 {
	if c.KalmanMeasurementNoise == nil {
		return DefaultKalmanMeasurementNoise
	}
	return *c.KalmanMeasurementNoise
}
