package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/banshee-data/accelspeed/internal/monitoring"
	"github.com/banshee-data/accelspeed/internal/timeutil"
)

// maxDatagram bounds one UDP read. Phone streamers batch at most a few
// dozen lines per datagram.
const maxDatagram = 8192

// ListenUDP receives line datagrams on addr and hands each line to h until
// ctx is done. A datagram may carry several newline separated lines; every
// line in it is stamped with the receive time. Senders that batch must
// therefore timestamp their lines (t,x,y,z or JSON ts): untimestamped x,y,z
// lines after the first in a datagram share its stamp and the pipeline
// drops them as out of order.
func ListenUDP(ctx context.Context, addr string, h LineHandler) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	monitoring.Logf("UDP listener started on %s", conn.LocalAddr())
	return serveUDP(ctx, conn, h, timeutil.RealClock{})
}

func serveUDP(ctx context.Context, conn net.PacketConn, h LineHandler, clock timeutil.Clock) error {
	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		// A short deadline lets the loop notice cancellation.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFrom(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}

		handleDatagram(h, string(buffer[:n]), timeutil.NowMillis(clock), from.String())
	}
}

// handleDatagram returns the number of non-blank lines handed to h.
func handleDatagram(h LineHandler, datagram string, receivedMs int64, from string) int {
	n := 0
	for _, line := range strings.Split(datagram, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n++
		if err := h.HandleEventAt(line, receivedMs); err != nil {
			monitoring.Logf("ingest: error handling line from %s: %v", from, err)
		}
	}
	return n
}
