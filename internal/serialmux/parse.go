package serialmux

import (
	"encoding/json"
	"strings"
)

// Event type tokens returned by ClassifyPayload.
const (
	EventTypeAccelSample = "accel_sample"
	EventTypeConfig      = "config"
	EventTypeUnknown     = "unknown"
)

// ClassifyPayload inspects a line and returns its event type. JSON objects
// carrying all three axes, and comma separated lines of three or four
// fields, are samples. Any other JSON object is a device config response.
// The check is structural only; ingest does the numeric parse.
func ClassifyPayload(payload string) string {
	p := strings.TrimSpace(payload)
	if strings.HasPrefix(p, "{") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(p), &obj); err != nil {
			return EventTypeUnknown
		}
		_, hasX := obj["x"]
		_, hasY := obj["y"]
		_, hasZ := obj["z"]
		if hasX && hasY && hasZ {
			return EventTypeAccelSample
		}
		return EventTypeConfig
	}
	if n := strings.Count(p, ",") + 1; n == 3 || n == 4 {
		return EventTypeAccelSample
	}
	return EventTypeUnknown
}
