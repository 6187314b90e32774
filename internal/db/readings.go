package db

import (
	"fmt"
	"math"
)

// SpeedReading is one accepted pipeline output. Speeds are m/s.
type SpeedReading struct {
	SessionID   string  `json:"session_id"`
	TimestampMs int64   `json:"timestamp_ms"`
	SpeedMPS    float64 `json:"speed_mps"`
	VelocityMPS float64 `json:"velocity_mps"`
	Magnitude   float64 `json:"magnitude"`
}

// RecordReading appends r to its session. Non-finite values are rejected:
// SQLite would store NaN as NULL and break the NOT NULL columns.
func (db *DB) RecordReading(r SpeedReading) error {
	for _, v := range []float64{r.SpeedMPS, r.VelocityMPS, r.Magnitude} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("record reading at %d: non-finite value %v", r.TimestampMs, v)
		}
	}
	_, err := db.Exec(
		`INSERT INTO speed_readings (session_id, timestamp_ms, speed_mps, velocity_mps, magnitude)
		 VALUES (?, ?, ?, ?, ?)`,
		r.SessionID, r.TimestampMs, r.SpeedMPS, r.VelocityMPS, r.Magnitude,
	)
	if err != nil {
		return fmt.Errorf("record reading at %d: %w", r.TimestampMs, err)
	}
	return nil
}

// Readings returns the most recent limit readings of a session in
// ascending timestamp order. limit <= 0 returns the whole session.
func (db *DB) Readings(sessionID string, limit int) ([]SpeedReading, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT session_id, timestamp_ms, speed_mps, velocity_mps, magnitude FROM (
			SELECT * FROM speed_readings
			WHERE session_id = ?
			ORDER BY timestamp_ms DESC, reading_id DESC
			LIMIT ?
		) ORDER BY timestamp_ms ASC, reading_id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("readings for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []SpeedReading
	for rows.Next() {
		var r SpeedReading
		if err := rows.Scan(&r.SessionID, &r.TimestampMs, &r.SpeedMPS, &r.VelocityMPS, &r.Magnitude); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Speeds returns every recorded speed of a session, for summary statistics.
func (db *DB) Speeds(sessionID string) ([]float64, error) {
	rows, err := db.Query(`SELECT speed_mps FROM speed_readings WHERE session_id = ? ORDER BY timestamp_ms`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("speeds for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan speed: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
