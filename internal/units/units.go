// Package units provides the speed unit enumeration, conversion from the
// pipeline's base unit (metres per second), and validation of unit tokens.
package units

import (
	"fmt"
	"strings"
)

// SpeedUnit selects the output unit for a speed.
type SpeedUnit int

const (
	// Base is metres per second, the unit every speed is computed and stored in.
	Base SpeedUnit = iota
	Knots
	KmPerHour
)

// Unit tokens accepted by IsValid and the HTTP API.
const (
	MPS   = "mps"
	KNOTS = "knots"
	KMPH  = "kmph"
	KPH   = "kph"
)

// Conversion factors from m/s.
const (
	knotsPerMPS = 1.94384
	kmhPerMPS   = 3.6
)

// ValidUnits contains all valid unit tokens
var ValidUnits = []string{MPS, KNOTS, KMPH, KPH}

var lookup = map[string]SpeedUnit{
	MPS:    Base,
	"m/s":  Base,
	KNOTS:  Knots,
	"kn":   Knots,
	"kt":   Knots,
	KMPH:   KmPerHour,
	KPH:    KmPerHour,
	"km/h": KmPerHour,
}

// Lookup resolves an exact unit token or label.
func Lookup(token string) (SpeedUnit, bool) {
	u, ok := lookup[token]
	return u, ok
}

// ParseUnit resolves a stored preference or user supplied token, ignoring
// case and surrounding space. Unknown values select Base.
func ParseUnit(s string) SpeedUnit {
	if u, ok := Lookup(strings.ToLower(strings.TrimSpace(s))); ok {
		return u
	}
	return Base
}

// IsValid checks if the given unit token is recognised
func IsValid(unit string) bool {
	_, ok := Lookup(unit)
	return ok
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// Factor returns the multiplier that converts m/s into u.
func (u SpeedUnit) Factor() float32 {
	switch u {
	case Knots:
		return knotsPerMPS
	case KmPerHour:
		return kmhPerMPS
	default:
		return 1
	}
}

// Label returns the display suffix for u.
func (u SpeedUnit) Label() string {
	switch u {
	case Knots:
		return "knots"
	case KmPerHour:
		return "km/h"
	default:
		return "m/s"
	}
}

// String returns the canonical token for u.
func (u SpeedUnit) String() string {
	switch u {
	case Knots:
		return KNOTS
	case KmPerHour:
		return KMPH
	default:
		return MPS
	}
}

// MarshalText encodes u as its canonical token.
func (u SpeedUnit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText decodes a unit token, rejecting unknown values.
func (u *SpeedUnit) UnmarshalText(b []byte) error {
	v, ok := Lookup(string(b))
	if !ok {
		return fmt.Errorf("unknown speed unit %q (valid: %s)", b, GetValidUnitsString())
	}
	*u = v
	return nil
}

// Convert converts a speed in m/s to unit and returns it with the unit
// label. Values outside the enumeration convert as Base.
func Convert(speedMPS float32, unit SpeedUnit) (float32, string) {
	return speedMPS * unit.Factor(), unit.Label()
}

// ToBase converts a speed expressed in unit back to m/s.
func ToBase(speed float32, unit SpeedUnit) float32 {
	return speed / unit.Factor()
}

// ConvertSpeed converts a speed from meters per second to the target unit token.
// Unknown tokens leave the value in m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	u, _ := Lookup(targetUnits)
	return speedMPS * float64(u.Factor())
}

// FormatSpeed renders a m/s speed for display in unit, e.g. "Speed: 3.60 km/h".
func FormatSpeed(speedMPS float32, unit SpeedUnit) string {
	v, label := Convert(speedMPS, unit)
	return fmt.Sprintf("Speed: %.2f %s", v, label)
}
