package network

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/testutil"
)

func quietLogs(t *testing.T) {
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

// serveMock runs a listener over sock until every queued datagram has been
// consumed, then stops it and returns what Serve returned.
func serveMock(t *testing.T, sock *MockUDPSocket, q *FrameQueue, stats PacketStats) *Listener {
	t.Helper()
	l, err := Listen(ListenerConfig{
		Address: "127.0.0.1:5607",
		Stats:   stats,
		Sockets: &MockUDPSocketFactory{Socket: sock},
	})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- l.Serve(context.Background(), q) }()

	select {
	case <-sock.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not consume all datagrams")
	}
	require.NoError(t, l.Close())
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
	return l
}

func drain(q *FrameQueue) []telemetry.Frame {
	var out []telemetry.Frame
	for f := range q.C() {
		out = append(out, f)
	}
	return out
}

func TestListener_SurvivesGarbage(t *testing.T) {
	quietLogs(t)

	rng := rand.New(rand.NewSource(42))
	garbage := testutil.GarbageDatagrams(rng, 1000)
	valid := testutil.SampleDatagram(t, telemetry.FormatDashboard, 7)
	// NaN in a float channel is rejected too
	nan := testutil.NewStandardPacket().F32Bits(16, 0x7fc00000).Bytes()

	sock := NewMockUDPSocket(garbage...)
	sock.Queue(nan, valid)

	metrics := monitoring.NewMetrics()
	q := NewFrameQueue(16)
	l := serveMock(t, sock, q, metrics)

	frames := drain(q)
	require.Len(t, frames, 1)
	want, err := telemetry.Decode(valid)
	require.NoError(t, err)
	assert.True(t, want.SameSample(frames[0]))

	stats := l.Stats()
	assert.Equal(t, uint64(1002), stats.Datagrams)
	assert.Equal(t, uint64(1001), stats.DecodeErrors)
	assert.Equal(t, uint64(1), stats.Decoded)
	assert.Equal(t, uint64(1000), metrics.UnknownLength.Load())
	assert.Equal(t, uint64(1), metrics.InvalidValue.Load())
	assert.True(t, sock.Closed())
}

func TestListener_DropsOldestUnderBackpressure(t *testing.T) {
	quietLogs(t)

	const capacity, extra = 4, 6
	var datagrams [][]byte
	for i := 1; i <= capacity+extra; i++ {
		datagrams = append(datagrams, testutil.SampleDatagram(t, telemetry.FormatStandard, i))
	}

	q := NewFrameQueue(capacity)
	l := serveMock(t, NewMockUDPSocket(datagrams...), q, nil)

	frames := drain(q)
	require.Len(t, frames, capacity)
	for i, f := range frames {
		want := testutil.SampleFrame(t, telemetry.FormatStandard, extra+i+1)
		assert.True(t, want.SameSample(f), "frame %d should be datagram %d", i, extra+i+1)
	}
	assert.Equal(t, uint64(extra), l.Stats().QueueDrops)
	assert.Equal(t, uint64(extra), q.Dropped())
}

func TestListener_ReadErrorsDoNotStopLoop(t *testing.T) {
	quietLogs(t)

	sock := NewMockUDPSocket()
	sock.FailNextRead(errors.New("connection refused"))
	sock.Queue(testutil.SampleDatagram(t, telemetry.FormatStandard, 1))

	q := NewFrameQueue(4)
	l := serveMock(t, sock, q, nil)
	assert.Len(t, drain(q), 1)
	assert.Equal(t, uint64(1), l.Stats().ReadErrors)
}

func TestListener_BindFailure(t *testing.T) {
	t.Run("factory", func(t *testing.T) {
		_, err := Listen(ListenerConfig{
			Address: "0.0.0.0:5607",
			Sockets: &MockUDPSocketFactory{Err: syscall.EADDRINUSE},
		})
		var bindErr *BindError
		require.True(t, errors.As(err, &bindErr), "got %v", err)
		assert.Equal(t, "0.0.0.0:5607", bindErr.Addr)
		assert.ErrorIs(t, err, syscall.EADDRINUSE)
	})

	t.Run("bad address", func(t *testing.T) {
		_, err := Listen(ListenerConfig{Address: "not an address"})
		var bindErr *BindError
		assert.True(t, errors.As(err, &bindErr))
	})

	t.Run("port in use", func(t *testing.T) {
		first, err := Listen(ListenerConfig{Address: "127.0.0.1:0"})
		require.NoError(t, err)
		defer first.Close()

		_, err = Listen(ListenerConfig{Address: first.Addr().String()})
		var bindErr *BindError
		assert.True(t, errors.As(err, &bindErr), "got %v", err)
	})
}

func TestListener_StopIsCooperativeAndIdempotent(t *testing.T) {
	quietLogs(t)

	sock := NewMockUDPSocket()
	l, err := Listen(ListenerConfig{Sockets: &MockUDPSocketFactory{Socket: sock}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	q := NewFrameQueue(1)
	errc := make(chan error, 1)
	go func() { errc <- l.Serve(ctx, q) }()

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not observe cancellation")
	}

	_, open := <-q.C()
	assert.False(t, open, "queue should be closed when the listener exits")
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
	assert.True(t, sock.Closed())
}

func TestListener_RealSocket(t *testing.T) {
	quietLogs(t)

	l, err := Listen(ListenerConfig{Address: "127.0.0.1:0", RcvBuf: 1 << 20})
	require.NoError(t, err)

	q := NewFrameQueue(8)
	errc := make(chan error, 1)
	go func() { errc <- l.Serve(context.Background(), q) }()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	datagram := testutil.SampleDatagram(t, telemetry.FormatDashboard, 3)
	_, err = conn.Write([]byte("not telemetry"))
	require.NoError(t, err)
	_, err = conn.Write(datagram)
	require.NoError(t, err)

	select {
	case f := <-q.C():
		want, _ := telemetry.Decode(datagram)
		assert.True(t, want.SameSample(f))
		assert.Equal(t, uint64(0), f.Sequence(), "the listener does not stamp frames")
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received over loopback")
	}

	require.NoError(t, l.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestFrameQueue(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(2)
	frames := []telemetry.Frame{
		testutil.SampleFrame(t, telemetry.FormatStandard, 1),
		testutil.SampleFrame(t, telemetry.FormatStandard, 2),
		testutil.SampleFrame(t, telemetry.FormatStandard, 3),
	}
	assert.False(t, q.Push(frames[0]))
	assert.False(t, q.Push(frames[1]))
	assert.True(t, q.Push(frames[2]))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Cap())

	q.Close()
	q.Close()
	assert.False(t, q.Push(frames[0]), "push after close is ignored")

	got := drain(q)
	require.Len(t, got, 2)
	assert.True(t, frames[1].SameSample(got[0]))
	assert.True(t, frames[2].SameSample(got[1]))
}

func TestPacketForwarder(t *testing.T) {
	quietLogs(t)

	target, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer target.Close()

	fwd, err := NewPacketForwarder(target.LocalAddr().String(), time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwd.Start(ctx)

	datagram := testutil.SampleDatagram(t, telemetry.FormatStandard, 9)
	fwd.ForwardAsync(datagram)

	buf := make([]byte, 2048)
	target.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := target.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, datagram, buf[:n])

	assert.NoError(t, fwd.Close())
	assert.NoError(t, fwd.Close())
}
