package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/accelspeed/internal/motion"
)

var (
	// ErrUnrecognisedPayload is returned for lines that are not samples.
	ErrUnrecognisedPayload = errors.New("unrecognised payload")
	// ErrInvalidSample is returned for sample-shaped lines whose fields do
	// not parse.
	ErrInvalidSample = errors.New("invalid sample")
)

type jsonSample struct {
	TS          *json.Number `json:"ts"`
	TimestampMs *json.Number `json:"timestamp_ms"`
	X           *float32     `json:"x"`
	Y           *float32     `json:"y"`
	Z           *float32     `json:"z"`
}

// ParseSample decodes one line in any of the accepted forms:
//
//	t,x,y,z                      CSV with a timestamp
//	x,y,z                        CSV stamped with receivedMs
//	{"ts":t,"x":..,"y":..,"z":..} JSON; ts (or timestamp_ms) is optional
//
// Integral timestamps, including exponent forms like 1.7e12, are epoch
// milliseconds. Timestamps with a fractional part are taken as seconds, the
// convention of phone sensor streamers, and are rounded to the millisecond.
// Values outside the plausible range are rejected.
func ParseSample(line string, receivedMs int64) (motion.Sample, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		return parseJSON(line, receivedMs)
	}

	fields := strings.Split(line, ",")
	switch len(fields) {
	case 3:
		return parseAxes(fields, receivedMs)
	case 4:
		ts, err := parseTimestamp(strings.TrimSpace(fields[0]))
		if err != nil {
			return motion.Sample{}, err
		}
		return parseAxes(fields[1:], ts)
	default:
		return motion.Sample{}, fmt.Errorf("%w: %d fields in %q", ErrUnrecognisedPayload, len(fields), line)
	}
}

func parseAxes(fields []string, ts int64) (motion.Sample, error) {
	var axes [3]float32
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return motion.Sample{}, fmt.Errorf("%w: axis %d: %v", ErrInvalidSample, i, err)
		}
		axes[i] = float32(v)
	}
	return motion.Sample{X: axes[0], Y: axes[1], Z: axes[2], TimestampMs: ts}, nil
}

// Timestamp bounds. maxTimestampSecs is about year 5138; anything larger
// with a fractional part is not a seconds value.
const (
	maxTimestampMs   = 1e18
	maxTimestampSecs = 1e11
)

func parseTimestamp(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: timestamp %q", ErrInvalidSample, s)
	}
	if v == math.Trunc(v) {
		if math.Abs(v) >= maxTimestampMs {
			return 0, fmt.Errorf("%w: timestamp %q out of range", ErrInvalidSample, s)
		}
		return int64(v), nil
	}
	if math.Abs(v) >= maxTimestampSecs {
		return 0, fmt.Errorf("%w: fractional timestamp %q too large for seconds", ErrInvalidSample, s)
	}
	return int64(math.Round(v * 1000)), nil
}

func parseJSON(line string, receivedMs int64) (motion.Sample, error) {
	var js jsonSample
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&js); err != nil {
		return motion.Sample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	if js.X == nil || js.Y == nil || js.Z == nil {
		return motion.Sample{}, fmt.Errorf("%w: JSON object without x, y and z", ErrUnrecognisedPayload)
	}

	ts := receivedMs
	raw := js.TS
	if raw == nil {
		raw = js.TimestampMs
	}
	if raw != nil {
		var err error
		if ts, err = parseTimestamp(raw.String()); err != nil {
			return motion.Sample{}, err
		}
	}
	return motion.Sample{X: *js.X, Y: *js.Y, Z: *js.Z, TimestampMs: ts}, nil
}
