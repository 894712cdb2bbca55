package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fh5telemetry/internal/monitoring"
)

const forwardBuffer = 1000

// PacketForwarder re-sends raw datagrams to a second address so another
// telemetry tool can share the game's single output stream. Forwarding never
// blocks the receive loop; datagrams that cannot be queued or sent are
// counted and dropped.
type PacketForwarder struct {
	conn        net.Conn
	channel     chan []byte
	logInterval time.Duration
	address     string

	dropped   atomic.Uint64
	forwarded atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPacketForwarder dials addr ("host:port") over UDP.
func NewPacketForwarder(addr string, logInterval time.Duration) (*PacketForwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	return newPacketForwarder(conn, addr, logInterval), nil
}

func newPacketForwarder(conn net.Conn, addr string, logInterval time.Duration) *PacketForwarder {
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, forwardBuffer),
		logInterval: logInterval,
		address:     addr,
		stop:        make(chan struct{}),
	}
}

// Start runs the send loop until ctx is done or Close is called.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		var intervalDrops uint64
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stop:
				return
			case packet := <-f.channel:
				if _, err := f.conn.Write(packet); err != nil {
					f.dropped.Add(1)
					intervalDrops++
					lastError = err
					continue
				}
				f.forwarded.Add(1)
			case <-ticker.C:
				if intervalDrops > 0 && lastError != nil {
					monitoring.Logf("forwarder: dropped %d datagrams to %s (latest: %v)", intervalDrops, f.address, lastError)
					intervalDrops = 0
					lastError = nil
				}
			}
		}
	}()

	monitoring.Logf("forwarder: forwarding datagrams to %s", f.address)
}

// ForwardAsync queues a copy of packet for sending.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		f.dropped.Add(1)
	}
}

// Forwarded is the number of datagrams sent.
func (f *PacketForwarder) Forwarded() uint64 { return f.forwarded.Load() }

// Dropped is the number of datagrams that were not sent.
func (f *PacketForwarder) Dropped() uint64 { return f.dropped.Load() }

// Close stops the send loop and closes the connection. It is idempotent.
func (f *PacketForwarder) Close() error {
	var err error
	f.stopOnce.Do(func() {
		close(f.stop)
		err = f.conn.Close()
	})
	return err
}
