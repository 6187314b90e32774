package motion

// GravityFilter isolates the slowly varying gravity vector with a per-axis
// exponential low-pass filter:
//
//	g[i] = α·g[i] + (1-α)·raw[i]
//
// The estimate starts at zero and persists across calls.
type GravityFilter struct {
	alpha   float32
	gravity Vector3
}

// NewGravityFilter returns a filter with smoothing coefficient alpha.
// Larger alpha passes less of each new sample through.
func NewGravityFilter(alpha float32) *GravityFilter {
	return &GravityFilter{alpha: alpha}
}

// Apply folds s into the estimate and returns the updated gravity vector.
func (f *GravityFilter) Apply(s Sample) Vector3 {
	raw := s.Vector()
	for i := range f.gravity {
		f.gravity[i] = f.alpha*f.gravity[i] + (1-f.alpha)*raw[i]
	}
	return f.gravity
}

// Seed replaces the estimate with the raw axes of s.
func (f *GravityFilter) Seed(s Sample) {
	f.gravity = s.Vector()
}

// Estimate returns the current gravity estimate without updating it.
func (f *GravityFilter) Estimate() Vector3 {
	return f.gravity
}

// Reset zeroes the estimate.
func (f *GravityFilter) Reset() {
	f.gravity = Vector3{}
}
