package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/accelspeed/internal/config"
	"github.com/banshee-data/accelspeed/internal/db"
	"github.com/banshee-data/accelspeed/internal/ingest"
	"github.com/banshee-data/accelspeed/internal/serialmux"
	"github.com/banshee-data/accelspeed/internal/stats"
	"github.com/banshee-data/accelspeed/internal/units"
	"github.com/banshee-data/accelspeed/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultReadingLimit = 100
	maxReadingLimit     = 10000
)

type Server struct {
	m      serialmux.SerialMuxInterface
	db     *db.DB
	ingest *ingest.Handler
	units  units.SpeedUnit
	tuning *config.TuningConfig
}

// NewServer builds the API over the live handler and the store. tuning is
// reported by /api/config; nil reports the defaults.
func NewServer(m serialmux.SerialMuxInterface, d *db.DB, h *ingest.Handler, unit units.SpeedUnit, tuning *config.TuningConfig) *Server {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	return &Server{
		m:      m,
		db:     d,
		ingest: h,
		units:  unit,
		tuning: tuning,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.sendCommandHandler)
	mux.HandleFunc("/api/speed", s.showSpeed)
	mux.HandleFunc("/api/readings", s.listReadings)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/serial/ports", s.listSerialPorts)
	mux.HandleFunc("/api/chart", s.showChart)
	mux.HandleFunc("/ws/speed", s.streamSpeed)
	return mux
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing 'command' parameter", http.StatusBadRequest)
		return
	}

	if err := s.m.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to write response: %v", err)
	}
}

// unitsParam returns the requested unit, or the server default when the
// 'units' parameter is absent.
func (s *Server) unitsParam(r *http.Request) (units.SpeedUnit, error) {
	q := r.URL.Query().Get("units")
	if q == "" {
		return s.units, nil
	}
	u, ok := units.Lookup(q)
	if !ok {
		return 0, fmt.Errorf("invalid 'units' parameter; must be one of: %s", units.GetValidUnitsString())
	}
	return u, nil
}

func limitParam(r *http.Request) (int, error) {
	q := r.URL.Query().Get("limit")
	if q == "" {
		return defaultReadingLimit, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 1 || n > maxReadingLimit {
		return 0, fmt.Errorf("invalid 'limit' parameter; must be between 1 and %d", maxReadingLimit)
	}
	return n, nil
}

// sessionParam returns the session named in the query, the live session,
// or the most recent stored session, in that order.
func (s *Server) sessionParam(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("session"); id != "" {
		return id, nil
	}
	if s.ingest != nil && s.ingest.SessionID() != "" {
		return s.ingest.SessionID(), nil
	}
	return s.db.LatestSessionID()
}

// SpeedResponse is one speed converted for display.
type SpeedResponse struct {
	SessionID   string  `json:"session_id"`
	TimestampMs int64   `json:"timestamp_ms"`
	Speed       float32 `json:"speed"`
	Units       string  `json:"units"`
	Display     string  `json:"display"`
}

func newSpeedResponse(r db.SpeedReading, unit units.SpeedUnit) SpeedResponse {
	speed, label := units.Convert(float32(r.SpeedMPS), unit)
	return SpeedResponse{
		SessionID:   r.SessionID,
		TimestampMs: r.TimestampMs,
		Speed:       speed,
		Units:       label,
		Display:     units.FormatSpeed(float32(r.SpeedMPS), unit),
	}
}

func (s *Server) showSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	unit, err := s.unitsParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.ingest == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "No live sensor")
		return
	}
	reading, ok := s.ingest.Latest()
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "No speed reading yet")
		return
	}
	s.writeJSON(w, newSpeedResponse(reading, unit))
}

// ReadingAPI is a stored reading with speeds converted to Units.
type ReadingAPI struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Speed       float64 `json:"speed"`
	Velocity    float64 `json:"velocity"`
	Magnitude   float64 `json:"magnitude"`
	Units       string  `json:"units"`
}

func (s *Server) listReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	unit, err := s.unitsParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.sessionParam(r)
	if errors.Is(err, db.ErrSessionNotFound) {
		s.writeJSON(w, []ReadingAPI{})
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to resolve session: %v", err))
		return
	}

	readings, err := s.db.Readings(session, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve readings: %v", err))
		return
	}
	out := make([]ReadingAPI, len(readings))
	for i, rd := range readings {
		out[i] = ReadingAPI{
			TimestampMs: rd.TimestampMs,
			Speed:       units.ConvertSpeed(rd.SpeedMPS, unit.String()),
			Velocity:    units.ConvertSpeed(rd.VelocityMPS, unit.String()),
			Magnitude:   rd.Magnitude,
			Units:       unit.Label(),
		}
	}
	s.writeJSON(w, out)
}

// StatsResponse summarises a session. Ingest is only present for the live
// session.
type StatsResponse struct {
	SessionID string        `json:"session_id"`
	Units     string        `json:"units"`
	Summary   stats.Summary `json:"summary"`
	Ingest    *ingest.Stats `json:"ingest,omitempty"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	unit, err := s.unitsParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.sessionParam(r)
	if errors.Is(err, db.ErrSessionNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "No sessions recorded")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to resolve session: %v", err))
		return
	}

	speeds, err := s.db.Speeds(session)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve speeds: %v", err))
		return
	}
	resp := StatsResponse{
		SessionID: session,
		Units:     unit.Label(),
		Summary:   stats.Summarise(speeds).Scale(float64(unit.Factor())),
	}
	if s.ingest != nil && s.ingest.SessionID() == session {
		st := s.ingest.Stats()
		resp.Ingest = &st
	}
	s.writeJSON(w, resp)
}

// listSessions returns recent sessions, or the single session named by the
// 'id' parameter.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		session, err := s.db.GetSession(id)
		if errors.Is(err, db.ErrSessionNotFound) {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", id))
			return
		}
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve session: %v", err))
			return
		}
		s.writeJSON(w, session)
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	sessions, err := s.db.Sessions(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	s.writeJSON(w, sessions)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	cfg := map[string]interface{}{
		"units":       s.units.String(),
		"valid_units": units.ValidUnits,
		"tuning":      s.tuning.Resolved(),
		"version":     version.String(),
	}
	if s.ingest != nil {
		cfg["session_id"] = s.ingest.SessionID()
		cfg["pipeline_state"] = s.ingest.PipelineState().String()
		cfg["device"] = s.ingest.DeviceConfig()
	}
	s.writeJSON(w, cfg)
}

func (s *Server) listSerialPorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ports, err := serialmux.ListPorts()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list serial ports: %v", err))
		return
	}
	if ports == nil {
		ports = []string{}
	}
	s.writeJSON(w, map[string][]string{"ports": ports})
}
