package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/accelspeed/internal/monitoring"
)

// ReplayStats summarises a capture replay.
type ReplayStats struct {
	Packets int // packets read from the file
	Matched int // UDP packets on the requested port
	Lines   int
	Skipped int // non-UDP or other-port packets
	FirstMs int64
	LastMs  int64
}

// ReadPCAPFile replays UDP line datagrams sent to udpPort from a pcap
// capture. Lines are stamped with the packet capture time, so untimestamped
// x,y,z streams replay with their original cadence. udpPort 0 matches any
// port.
func ReadPCAPFile(ctx context.Context, path string, udpPort int, h LineHandler) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to read PCAP header %s: %w", path, err)
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	var st ReplayStats
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("PCAP reader stopping due to context cancellation (processed %d packets)", st.Packets)
			return st, ctx.Err()
		case packet, ok := <-source.Packets():
			if !ok || packet == nil {
				monitoring.Logf("PCAP file reading complete: %d packets, %d lines", st.Packets, st.Lines)
				return st, nil
			}
			st.Packets++

			udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if !ok || (udpPort != 0 && int(udp.DstPort) != udpPort) || len(udp.Payload) == 0 {
				st.Skipped++
				continue
			}
			st.Matched++

			ts := packet.Metadata().Timestamp.UnixMilli()
			if st.FirstMs == 0 {
				st.FirstMs = ts
			}
			st.LastMs = ts
			st.Lines += handleDatagram(h, string(udp.Payload), ts, fmt.Sprintf("pcap packet %d", st.Packets))
		}
	}
}
