// Package motion estimates the linear speed of a handheld device from
// triaxial accelerometer samples.
//
// Responsibilities: gravity isolation (exponential low-pass), linear
// acceleration (high-pass complement), velocity integration with a noise
// gate, damping and zero-snap, and scalar Kalman smoothing of the result.
// Key types: Sample, Pipeline, Config.
//
// A Pipeline is not safe for concurrent use. It expects one sequential
// sample source delivering non-decreasing timestamps; callers sharing a
// pipeline across goroutines must serialise Accept themselves.
//
// No I/O, storage or unit conversion lives in this package.
package motion
