package motion

import "math"

// Sample is a single accelerometer reading. Axes are in m/s², the
// timestamp is monotonic milliseconds (epoch millis in practice).
type Sample struct {
	X           float32 `json:"x"`
	Y           float32 `json:"y"`
	Z           float32 `json:"z"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// Vector3 is a three-axis quantity, indexed x, y, z.
type Vector3 [3]float32

// Vector returns the sample's axes as a Vector3.
func (s Sample) Vector() Vector3 {
	return Vector3{s.X, s.Y, s.Z}
}

// Magnitude returns the Euclidean norm of v.
func (v Vector3) Magnitude() float32 {
	return float32(math.Sqrt(float64(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])))
}

// IsFinite reports whether every axis of v is neither NaN nor ±Inf.
func (v Vector3) IsFinite() bool {
	for _, c := range v {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return false
		}
	}
	return true
}
