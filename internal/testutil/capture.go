package testutil

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// WriteCapture writes a classic pcap file at path holding one Ethernet/IPv4/UDP
// packet per payload, sent to dstPort and spaced gap apart from start.
func WriteCapture(t testing.TB, path string, dstPort uint16, start time.Time, gap time.Duration, payloads ...[]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create capture: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("write capture header: %v", err)
	}
	for i, p := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 168, 1, 50),
			DstIP:    net.IPv4(192, 168, 1, 10),
		}
		udp := &layers.UDP{SrcPort: 50123, DstPort: layers.UDPPort(dstPort)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatalf("udp checksum: %v", err)
		}
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p)); err != nil {
			t.Fatalf("serialize packet %d: %v", i, err)
		}
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * gap),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("write packet %d: %v", i, err)
		}
	}
}
