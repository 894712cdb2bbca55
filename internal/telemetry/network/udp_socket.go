package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the part of *net.UDPConn the listener uses. It lets the
// receive loop run against scripted datagrams in tests.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket replays queued datagrams. When the queue is empty it behaves
// like a socket whose read deadline expired.
type MockUDPSocket struct {
	mu             sync.Mutex
	packets        [][]byte
	from           *net.UDPAddr
	closed         bool
	readBufferSize int
	readErr        error
	reads          int
	drained        chan struct{}
}

// NewMockUDPSocket creates a MockUDPSocket holding packets.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	m := &MockUDPSocket{
		from:    &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: 50123},
		drained: make(chan struct{}),
	}
	m.Queue(packets...)
	return m
}

// Queue appends datagrams to be returned by ReadFromUDP.
func (m *MockUDPSocket) Queue(packets ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range packets {
		m.packets = append(m.packets, append([]byte(nil), p...))
	}
	if len(m.packets) > 0 {
		select {
		case <-m.drained:
			m.drained = make(chan struct{})
		default:
		}
	}
}

// FailNextRead makes the next ReadFromUDP return err.
func (m *MockUDPSocket) FailNextRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// Drained is closed once every queued datagram has been read.
func (m *MockUDPSocket) Drained() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drained
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if m.readErr != nil {
		err := m.readErr
		m.readErr = nil
		return 0, nil, err
	}
	if len(m.packets) == 0 {
		select {
		case <-m.drained:
		default:
			close(m.drained)
		}
		m.mu.Unlock()
		// pace empty reads like a short deadline would
		time.Sleep(time.Millisecond)
		m.mu.Lock()
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	pkt := m.packets[0]
	m.packets = m.packets[1:]
	m.reads++
	return copy(b, pkt), m.from, nil
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBufferSize = bytes
	return nil
}

func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reads is the number of datagrams delivered so far.
func (m *MockUDPSocket) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: 5607}
}

// MockUDPSocketFactory returns a fixed socket or error.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Err    error
}

func (f *MockUDPSocketFactory) ListenUDP(string, *net.UDPAddr) (UDPSocket, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
