// Package network receives telemetry datagrams over UDP or from packet
// captures and turns them into frames.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

// DefaultPort is the port the game sends to unless configured otherwise.
const DefaultPort = 5607

// readTimeout bounds how long the loop waits before re-checking for stop.
const readTimeout = 100 * time.Millisecond

// PacketStats receives receive-path events. monitoring.Metrics implements it.
type PacketStats interface {
	AddDatagram(bytes int)
	AddDecoded()
	AddDecodeError(err error)
	AddQueueDrop()
	LogStats()
}

// noopStats is used when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddDatagram(int)      {}
func (noopStats) AddDecoded()          {}
func (noopStats) AddDecodeError(error) {}
func (noopStats) AddQueueDrop()        {}
func (noopStats) LogStats()            {}

// BindError reports that the listener socket could not be opened. It is the
// only error that prevents a listener from starting.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Address     string // host:port, default 0.0.0.0:5607
	RcvBuf      int    // socket receive buffer in bytes; zero keeps the OS default
	LogInterval time.Duration
	Stats       PacketStats
	Forwarder   *PacketForwarder
	Sockets     UDPSocketFactory // nil uses the real network
}

// ListenerStats is a snapshot of the listener counters.
type ListenerStats struct {
	Datagrams    uint64 `json:"datagrams"`
	Decoded      uint64 `json:"decoded"`
	DecodeErrors uint64 `json:"decode_errors"`
	QueueDrops   uint64 `json:"queue_drops"`
	ReadErrors   uint64 `json:"read_errors"`
}

// Listener owns the telemetry socket and runs the receive loop.
type Listener struct {
	sock        UDPSocket
	address     string
	logInterval time.Duration
	stats       PacketStats
	forwarder   *PacketForwarder

	stopOnce sync.Once
	stop     chan struct{}

	datagrams    atomic.Uint64
	decoded      atomic.Uint64
	decodeErrors atomic.Uint64
	queueDrops   atomic.Uint64
	readErrors   atomic.Uint64
}

// Listen binds the socket described by cfg. Failures are returned as
// *BindError.
func Listen(cfg ListenerConfig) (*Listener, error) {
	address := cfg.Address
	if address == "" {
		address = fmt.Sprintf("0.0.0.0:%d", DefaultPort)
	}
	factory := cfg.Sockets
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}

	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, &BindError{Addr: address, Err: err}
	}
	sock, err := factory.ListenUDP("udp", addr)
	if err != nil {
		return nil, &BindError{Addr: address, Err: err}
	}

	if cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(cfg.RcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", cfg.RcvBuf, err)
		}
	}

	var stats PacketStats = noopStats{}
	if cfg.Stats != nil {
		stats = cfg.Stats
	}
	logInterval := cfg.LogInterval
	if logInterval <= 0 {
		logInterval = time.Minute
	}

	return &Listener{
		sock:        sock,
		address:     address,
		logInterval: logInterval,
		stats:       stats,
		forwarder:   cfg.Forwarder,
		stop:        make(chan struct{}),
	}, nil
}

// Addr is the bound local address.
func (l *Listener) Addr() net.Addr { return l.sock.LocalAddr() }

// Serve runs the receive loop, pushing decoded frames into q, until ctx is
// done or Close is called. On return the socket is closed and so is q.
// Malformed datagrams are counted and skipped.
func (l *Listener) Serve(ctx context.Context, q *FrameQueue) error {
	defer q.Close()
	defer l.sock.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}
	go l.startStatsLogging(ctx)

	monitoring.Logf("UDP listener started on %s", l.address)

	// Largest valid datagram is 324 bytes; anything longer still has to be
	// read in full to be rejected by length.
	buffer := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("UDP listener stopping due to context cancellation")
			return ctx.Err()
		case <-l.stop:
			return nil
		default:
		}

		l.sock.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := l.sock.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.readErrors.Add(1)
			monitoring.Logf("UDP read error: %v", err)
			continue
		}
		l.handleDatagram(buffer[:n], q)
	}
}

func (l *Listener) handleDatagram(packet []byte, q *FrameQueue) {
	l.datagrams.Add(1)
	l.stats.AddDatagram(len(packet))

	if l.forwarder != nil {
		l.forwarder.ForwardAsync(packet)
	}

	f, err := telemetry.Decode(packet)
	if err != nil {
		l.decodeErrors.Add(1)
		l.stats.AddDecodeError(err)
		return
	}
	l.decoded.Add(1)
	l.stats.AddDecoded()

	if q.Push(f) {
		l.queueDrops.Add(1)
		l.stats.AddQueueDrop()
	}
}

// startStatsLogging reports once shortly after startup, then every
// logInterval.
func (l *Listener) startStatsLogging(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// Stats returns a snapshot of the listener counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Datagrams:    l.datagrams.Load(),
		Decoded:      l.decoded.Load(),
		DecodeErrors: l.decodeErrors.Load(),
		QueueDrops:   l.queueDrops.Load(),
		ReadErrors:   l.readErrors.Load(),
	}
}

// Close stops the receive loop and releases the socket. Serve returns
// within one read timeout. Close is idempotent.
func (l *Listener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		err = l.sock.Close()
		if l.forwarder != nil {
			l.forwarder.Close()
		}
	})
	return err
}
