package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when no session has the given ID.
var ErrSessionNotFound = errors.New("session not found")

// Session is one continuous capture run with the tuning it was started with.
type Session struct {
	ID            string `json:"session_id"`
	Label         string `json:"label,omitempty"`
	StartedUnixMs int64  `json:"started_unix_ms"`
	EndedUnixMs   *int64 `json:"ended_unix_ms,omitempty"`
	ConfigJSON    string `json:"config_json"`
	Readings      int64  `json:"readings"`
}

// CreateSession starts a session at startedMs and returns it with a fresh
// UUID. configJSON is stored verbatim; empty becomes "{}".
func (db *DB) CreateSession(label, configJSON string, startedMs int64) (*Session, error) {
	if configJSON == "" {
		configJSON = "{}"
	}
	s := &Session{
		ID:            uuid.NewString(),
		Label:         label,
		StartedUnixMs: startedMs,
		ConfigJSON:    configJSON,
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, label, started_unix_ms, config_json) VALUES (?, ?, ?, ?)`,
		s.ID, s.Label, s.StartedUnixMs, s.ConfigJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// EndSession records the end time of a session. Ending an already ended
// session overwrites the end time.
func (db *DB) EndSession(id string, endedMs int64) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix_ms = ? WHERE session_id = ?`, endedMs, id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

const sessionColumns = `s.session_id, s.label, s.started_unix_ms, s.ended_unix_ms, s.config_json,
	(SELECT COUNT(*) FROM speed_readings r WHERE r.session_id = s.session_id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s     Session
		ended sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Label, &s.StartedUnixMs, &ended, &s.ConfigJSON, &s.Readings); err != nil {
		return nil, err
	}
	if ended.Valid {
		s.EndedUnixMs = &ended.Int64
	}
	return &s, nil
}

// GetSession returns a single session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return s, nil
}

// Sessions returns up to limit sessions, most recently started first.
// limit <= 0 returns all of them.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+sessionColumns+` FROM sessions s
		ORDER BY s.started_unix_ms DESC, s.rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// LatestSessionID returns the most recently started session, or
// ErrSessionNotFound on an empty database.
func (db *DB) LatestSessionID() (string, error) {
	var id string
	err := db.QueryRow(`SELECT session_id FROM sessions ORDER BY started_unix_ms DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	return id, err
}
