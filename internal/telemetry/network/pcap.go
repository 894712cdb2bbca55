package network

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

// pcapng section header block type, as it appears at the start of the file.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// CapturedDatagram is one UDP payload extracted from a capture.
type CapturedDatagram struct {
	Timestamp time.Time
	Payload   []byte
}

// CapturedFrame is a decoded datagram with its capture timestamp.
type CapturedFrame struct {
	Timestamp time.Time
	Frame     telemetry.Frame
}

// CaptureStats summarises a capture import.
type CaptureStats struct {
	Packets      int `json:"packets"`
	Datagrams    int `json:"datagrams"`
	Decoded      int `json:"decoded"`
	DecodeErrors int `json:"decode_errors"`
}

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func openCapture(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// ReadPCAP walks a pcap or pcapng capture and calls fn with every non-empty
// UDP payload whose destination port is udpPort (any port when zero).
func ReadPCAP(ctx context.Context, r io.Reader, udpPort int, fn func(CapturedDatagram) error) (int, error) {
	reader, err := openCapture(r)
	if err != nil {
		return 0, fmt.Errorf("failed to open capture: %w", err)
	}

	packetSource := gopacket.NewPacketSource(reader, reader.LinkType())
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	packetCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return packetCount, err
		}
		packet, err := packetSource.NextPacket()
		if err == io.EOF {
			return packetCount, nil
		}
		if err != nil {
			return packetCount, fmt.Errorf("read capture packet %d: %w", packetCount+1, err)
		}
		packetCount++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		if udpPort != 0 && int(udp.DstPort) != udpPort {
			continue
		}
		if len(udp.Payload) == 0 {
			continue
		}
		payload := append([]byte(nil), udp.Payload...)
		if err := fn(CapturedDatagram{Timestamp: packet.Metadata().Timestamp, Payload: payload}); err != nil {
			return packetCount, err
		}
	}
}

// ReadPCAPFrames decodes the telemetry datagrams in the capture at path.
// Undecodable datagrams are counted and skipped like on the live socket.
func ReadPCAPFrames(ctx context.Context, path string, udpPort int) ([]CapturedFrame, CaptureStats, error) {
	var stats CaptureStats
	f, err := os.Open(path)
	if err != nil {
		return nil, stats, err
	}
	defer f.Close()

	var frames []CapturedFrame
	stats.Packets, err = ReadPCAP(ctx, f, udpPort, func(d CapturedDatagram) error {
		stats.Datagrams++
		fr, err := telemetry.Decode(d.Payload)
		if err != nil {
			stats.DecodeErrors++
			return nil
		}
		stats.Decoded++
		frames = append(frames, CapturedFrame{Timestamp: d.Timestamp, Frame: fr})
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	monitoring.Logf("PCAP file reading complete: %d packets, %d telemetry datagrams, %d decoded, %d rejected",
		stats.Packets, stats.Datagrams, stats.Decoded, stats.DecodeErrors)
	return frames, stats, nil
}
