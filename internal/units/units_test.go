package units

import (
	"encoding/json"
	"math"
	"testing"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		name      string
		speedMPS  float32
		unit      SpeedUnit
		expected  float32
		wantLabel string
	}{
		{"10 m/s to m/s", 10, Base, 10, "m/s"},
		{"10 m/s to knots", 10, Knots, 19.4384, "knots"},
		{"10 m/s to km/h", 10, KmPerHour, 36, "km/h"},
		{"zero", 0, Knots, 0, "knots"},
		{"walking pace 1.4 m/s to km/h", 1.4, KmPerHour, 5.04, "km/h"},
		{"out of range unit is base", 10, SpeedUnit(42), 10, "m/s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, label := Convert(tt.speedMPS, tt.unit)
			if math.Abs(float64(got-tt.expected)) > 1e-4 {
				t.Errorf("Convert(%f, %v) = %f, want %f", tt.speedMPS, tt.unit, got, tt.expected)
			}
			if label != tt.wantLabel {
				t.Errorf("Convert(%f, %v) label = %q, want %q", tt.speedMPS, tt.unit, label, tt.wantLabel)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, u := range []SpeedUnit{Base, Knots, KmPerHour} {
		for _, v := range []float32{0, 1, 10, 100} {
			converted, _ := Convert(v, u)
			back := ToBase(converted, u)
			if math.Abs(float64(back-v)) > 1e-4*math.Max(1, float64(v)) {
				t.Errorf("round trip %v via %v = %v", v, u, back)
			}
		}
	}
}

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name     string
		speedMPS float64
		units    string
		expected float64
	}{
		{"10 m/s to knots", 10.0, KNOTS, 19.4384},
		{"10 m/s to kmph", 10.0, KMPH, 36.0},
		{"10 m/s to kph", 10.0, KPH, 36.0},
		{"10 m/s to mps", 10.0, MPS, 10.0},
		{"unknown units default to mps", 10.0, "unknown", 10.0},
		{"city speed 13.89 m/s to kmph", 13.89, KMPH, 50.004},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertSpeed(tt.speedMPS, tt.units)
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("ConvertSpeed(%f, %s) = %f, want %f", tt.speedMPS, tt.units, result, tt.expected)
			}
		})
	}
}

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in   string
		want SpeedUnit
	}{
		{"m/s", Base},
		{"mps", Base},
		{"knots", Knots},
		{"KNOTS", Knots},
		{" kn ", Knots},
		{"km/h", KmPerHour},
		{"kph", KmPerHour},
		{"Km/H", KmPerHour},
		{"", Base},
		{"furlongs", Base},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseUnit(tt.in); got != tt.want {
				t.Errorf("ParseUnit(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid mps", MPS, true},
		{"valid knots", KNOTS, true},
		{"valid kmph", KMPH, true},
		{"valid kph", KPH, true},
		{"valid label", "km/h", true},
		{"invalid unit", "mph", false},
		{"empty string", "", false},
		{"case sensitive", "KPH", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValid(tt.unit)
			if result != tt.expected {
				t.Errorf("IsValid(%s) = %v, want %v", tt.unit, result, tt.expected)
			}
		})
	}
}

func TestValidUnitsAllResolve(t *testing.T) {
	for _, tok := range ValidUnits {
		if !IsValid(tok) {
			t.Errorf("ValidUnits contains %q but IsValid rejects it", tok)
		}
	}
	if got, want := GetValidUnitsString(), "mps, knots, kmph, kph"; got != want {
		t.Errorf("GetValidUnitsString() = %q, want %q", got, want)
	}
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		speed float32
		unit  SpeedUnit
		want  string
	}{
		{1.5, Base, "Speed: 1.50 m/s"},
		{1, Knots, "Speed: 1.94 knots"},
		{1, KmPerHour, "Speed: 3.60 km/h"},
		{0, Base, "Speed: 0.00 m/s"},
	}
	for _, tt := range tests {
		if got := FormatSpeed(tt.speed, tt.unit); got != tt.want {
			t.Errorf("FormatSpeed(%v, %v) = %q, want %q", tt.speed, tt.unit, got, tt.want)
		}
	}
}

func TestSpeedUnitText(t *testing.T) {
	b, err := json.Marshal(struct {
		Unit SpeedUnit `json:"unit"`
	}{KmPerHour})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"unit":"kmph"}` {
		t.Errorf("marshal = %s", b)
	}

	var u SpeedUnit
	if err := u.UnmarshalText([]byte("knots")); err != nil || u != Knots {
		t.Errorf("UnmarshalText(knots) = %v, %v", u, err)
	}
	if err := u.UnmarshalText([]byte("mph")); err == nil {
		t.Error("UnmarshalText(mph) should fail")
	}
}
