package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the API is served on a trusted local network
	},
}

// streamSpeed pushes every accepted reading of the live session to the
// client as a SpeedResponse until either side goes away.
func (s *Server) streamSpeed(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "No live sensor")
		return
	}
	unit, err := s.unitsParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	id, readings := s.ingest.Subscribe()
	defer s.ingest.Unsubscribe(id)

	// Reads only detect the peer closing; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if latest, ok := s.ingest.Latest(); ok {
		if err := s.writeReading(conn, newSpeedResponse(latest, unit)); err != nil {
			return
		}
	}

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case reading, ok := <-readings:
			if !ok {
				return
			}
			if err := s.writeReading(conn, newSpeedResponse(reading, unit)); err != nil {
				log.Printf("api: websocket write error: %v", err)
				return
			}
		}
	}
}

func (s *Server) writeReading(conn *websocket.Conn, v SpeedResponse) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
