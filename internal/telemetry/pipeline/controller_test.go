package pipeline

import (
	"bytes"
	"encoding/csv"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fh5telemetry/internal/fsutil"
	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/network"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/recorder"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/replay"
	"github.com/banshee-data/fh5telemetry/internal/testutil"
	"github.com/banshee-data/fh5telemetry/internal/timeutil"
)

var t0 = time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)

func quietLogs(t *testing.T) {
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

type catalogEntry struct {
	path, source string
	finished     bool
	frames       int64
	reason       string
	errMsg       string
}

type fakeCatalog struct {
	mu      sync.Mutex
	entries map[string]*catalogEntry
	order   []string
}

func (c *fakeCatalog) CreateSession(path, source string, _ time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*catalogEntry)
	}
	id := path + "#id"
	c.entries[id] = &catalogEntry{path: path, source: source}
	c.order = append(c.order, id)
	return id, nil
}

func (c *fakeCatalog) FinishSession(id string, _ time.Time, frames int64, source, reason, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return errors.New("unknown id")
	}
	e.finished, e.frames, e.reason, e.errMsg = true, frames, reason, errMsg
	if source != "" {
		e.source = source
	}
	return nil
}

func (c *fakeCatalog) get(i int) catalogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.entries[c.order[i]]
}

type harness struct {
	ctl     *Controller
	fs      *fsutil.MemoryFileSystem
	clock   *timeutil.MockClock
	sock    *network.MockUDPSocket
	catalog *fakeCatalog
}

func newHarness(t *testing.T, metrics *monitoring.Metrics) *harness {
	t.Helper()
	quietLogs(t)
	h := &harness{
		fs:      fsutil.NewMemoryFileSystem(),
		clock:   timeutil.NewMockClock(t0),
		sock:    network.NewMockUDPSocket(),
		catalog: &fakeCatalog{},
	}
	h.ctl = New(Config{
		Listener: network.ListenerConfig{
			Address: "127.0.0.1:5607",
			Sockets: &network.MockUDPSocketFactory{Socket: h.sock},
		},
		QueueCapacity:    64,
		SubscriberBuffer: 128,
		LogDir:           "logs",
		FS:               h.fs,
		Clock:            h.clock,
		Metrics:          metrics,
		Catalog:          h.catalog,
	})
	t.Cleanup(func() { h.ctl.Close() })
	return h
}

func receive(t *testing.T, ch <-chan telemetry.Frame, n int) []telemetry.Frame {
	t.Helper()
	out := make([]telemetry.Frame, 0, n)
	for len(out) < n {
		select {
		case f, ok := <-ch:
			require.True(t, ok, "subscriber closed after %d frames", len(out))
			out = append(out, f)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d frames", len(out), n)
		}
	}
	return out
}

func writeSessionLog(t *testing.T, fsys *fsutil.MemoryFileSystem, path string, n int) {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	w, err := fsys.CreateNew(path)
	require.NoError(t, err)
	cw := csv.NewWriter(w)
	require.NoError(t, cw.Write(recorder.Header()))
	for i := 1; i <= n; i++ {
		f := testutil.SampleFrame(t, telemetry.FormatDashboard, i).
			Stamp(uint64(i), t0.Add(time.Duration(i)*16*time.Millisecond), telemetry.ModeLive)
		require.NoError(t, cw.Write(recorder.EncodeRecord(f)))
	}
	cw.Flush()
	require.NoError(t, cw.Error())
	require.NoError(t, w.Close())
}

func TestController_LiveFramesReachSubscribersAndLog(t *testing.T) {
	h := newHarness(t, nil)

	_, sub := h.ctl.Subscribe()
	info, err := h.ctl.StartLogging()
	require.NoError(t, err)
	assert.Equal(t, "logs/telemetry_data_20260502_183000.csv", info.Path)

	addr, err := h.ctl.StartListening()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:5607", addr.String())
	assert.Equal(t, ModeLive, h.ctl.Mode())

	for i := 1; i <= 20; i++ {
		h.sock.Queue(testutil.SampleDatagram(t, telemetry.FormatDashboard, i))
		if i%4 == 0 {
			h.sock.Queue([]byte("garbage"))
		}
	}
	got := receive(t, sub, 20)
	for i, f := range got {
		assert.Equal(t, uint64(i+1), f.Sequence())
		assert.Equal(t, telemetry.ModeLive, f.Mode())
		assert.True(t, testutil.SampleFrame(t, telemetry.FormatDashboard, i+1).SameSample(f))
	}

	select {
	case <-h.sock.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not read every datagram")
	}
	st := h.ctl.Status()
	require.NotNil(t, st.Listener)
	assert.Equal(t, uint64(25), st.Listener.Datagrams)
	assert.Equal(t, uint64(5), st.Listener.DecodeErrors)
	assert.True(t, st.Logger.Active)

	require.NoError(t, h.ctl.StopListening())
	require.NoError(t, h.ctl.StopListening())
	assert.True(t, h.sock.Closed())
	assert.Equal(t, ModeIdle, h.ctl.Mode())
	assert.Nil(t, h.ctl.Status().Listener)

	require.NoError(t, h.ctl.StopLogging())
	data, err := h.fs.ReadFile(info.Path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 21)

	entry := h.catalog.get(0)
	assert.Equal(t, info.Path, entry.path)
	assert.Equal(t, "live", entry.source)
	assert.True(t, entry.finished)
	assert.Equal(t, int64(20), entry.frames)
	assert.Equal(t, string(recorder.StopRequested), entry.reason)
}

func TestController_BindFailure(t *testing.T) {
	quietLogs(t)
	ctl := New(Config{
		Listener: network.ListenerConfig{
			Sockets: &network.MockUDPSocketFactory{Err: syscall.EADDRINUSE},
		},
		FS: fsutil.NewMemoryFileSystem(),
	})
	defer ctl.Close()

	_, err := ctl.StartListening()
	var bindErr *network.BindError
	require.True(t, errors.As(err, &bindErr))
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
	assert.Equal(t, ModeIdle, ctl.Mode())
}

func TestController_ModesAreExclusive(t *testing.T) {
	h := newHarness(t, nil)
	writeSessionLog(t, h.fs, "logs/drive.csv", 3)

	_, err := h.ctl.LoadReplay("logs/drive.csv")
	require.NoError(t, err)
	assert.Equal(t, ModeReplay, h.ctl.Mode())

	_, err = h.ctl.StartListening()
	assert.ErrorIs(t, err, ErrModeBusy)

	h.ctl.StopReplay()
	h.ctl.StopReplay()
	assert.Equal(t, ModeIdle, h.ctl.Mode())

	_, err = h.ctl.StartListening()
	require.NoError(t, err)
	_, err = h.ctl.StartListening()
	require.NoError(t, err, "starting twice is a no-op")

	_, err = h.ctl.LoadReplay("logs/drive.csv")
	assert.ErrorIs(t, err, ErrModeBusy)
	assert.ErrorIs(t, h.ctl.Play(), replay.ErrInvalidState)

	require.NoError(t, h.ctl.StopListening())
	_, err = h.ctl.LoadReplay("logs/drive.csv")
	assert.NoError(t, err)
}

func TestController_Replay(t *testing.T) {
	h := newHarness(t, nil)
	writeSessionLog(t, h.fs, "logs/drive.csv", 4)

	// live frames first so replay sequences continue from them
	_, sub := h.ctl.Subscribe()
	_, err := h.ctl.StartListening()
	require.NoError(t, err)
	h.sock.Queue(testutil.SampleDatagram(t, telemetry.FormatStandard, 9))
	live := receive(t, sub, 1)
	require.NoError(t, h.ctl.StopListening())

	s, err := h.ctl.LoadReplay("logs/drive.csv")
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())

	assert.ErrorIs(t, h.ctl.SetSpeed(0), replay.ErrInvalidSpeed)
	require.NoError(t, h.ctl.SetSpeed(2))
	require.NoError(t, h.ctl.Play())

	got := receive(t, sub, 1)
	for i := 1; i < 4; i++ {
		h.clock.BlockUntilTimers(1)
		h.clock.Advance(8 * time.Millisecond)
		got = append(got, receive(t, sub, 1)...)
	}
	for i, f := range got {
		assert.Equal(t, telemetry.ModeReplay, f.Mode())
		assert.Equal(t, live[0].Sequence()+uint64(i+1), f.Sequence())
		assert.True(t, s.Frames[i].SameSample(f))
	}
	require.Eventually(t, func() bool {
		return h.ctl.Status().Replay.State == replay.StateFinished
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, h.ctl.Seek(1))
	seeked := receive(t, sub, 1)
	assert.True(t, s.Frames[1].SameSample(seeked[0]))
	assert.Equal(t, replay.StatePaused, h.ctl.Status().Replay.State)

	require.NoError(t, h.ctl.SeekTime(32*time.Millisecond))
	seeked = receive(t, sub, 1)
	assert.True(t, s.Frames[2].SameSample(seeked[0]))
	assert.ErrorIs(t, h.ctl.Seek(10), replay.ErrOutOfRange)
	require.NoError(t, h.ctl.Pause())
}

func TestController_ReplayErrors(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ctl.LoadReplay("logs/missing.csv")
	assert.ErrorIs(t, err, replay.ErrNotFound)
	assert.Equal(t, ModeIdle, h.ctl.Mode())
}

func TestController_LoggingFailureIsCatalogued(t *testing.T) {
	h := newHarness(t, nil)
	_, sub := h.ctl.Subscribe()
	info, err := h.ctl.StartLogging()
	require.NoError(t, err)
	h.fs.FailWritesAfter(0, nil)

	_, err = h.ctl.StartListening()
	require.NoError(t, err)
	h.sock.Queue(testutil.SampleDatagram(t, telemetry.FormatDashboard, 1))
	receive(t, sub, 1)

	require.Eventually(t, func() bool { return !h.ctl.Status().Logger.Active }, 5*time.Second, time.Millisecond)
	err = h.ctl.StopLogging()
	var writeErr *recorder.LogWriteError
	require.True(t, errors.As(err, &writeErr), "the first stop reports the failure, got %v", err)
	assert.Equal(t, info.Path, writeErr.Path)
	assert.NoError(t, h.ctl.StopLogging(), "later stops are no-ops")

	st := h.ctl.Status().Logger
	assert.Equal(t, uint64(1), st.Failures)
	assert.Contains(t, st.LastError, info.Path)

	require.Eventually(t, func() bool { return h.catalog.get(0).finished }, 5*time.Second, time.Millisecond)
	entry := h.catalog.get(0)
	assert.Equal(t, string(recorder.StopFailed), entry.reason)
	assert.NotEmpty(t, entry.errMsg)
}

func TestController_RestartLoggingOpensNewLog(t *testing.T) {
	h := newHarness(t, nil)
	first, err := h.ctl.StartLogging()
	require.NoError(t, err)
	second, err := h.ctl.StartLogging()
	require.NoError(t, err)
	assert.NotEqual(t, first.Path, second.Path)

	assert.Equal(t, string(recorder.StopRestarted), h.catalog.get(0).reason)
	assert.Empty(t, h.catalog.get(1).source, "no source until frames arrive")
	require.NoError(t, h.ctl.StopLogging())
	assert.Empty(t, h.catalog.get(1).source, "an empty log keeps no source")
}

func TestController_ReplayedSessionIsCataloguedAsReplay(t *testing.T) {
	h := newHarness(t, nil)
	writeSessionLog(t, h.fs, "logs/drive.csv", 3)

	info, err := h.ctl.StartLogging()
	require.NoError(t, err)
	assert.Empty(t, h.catalog.get(0).source)

	_, sub := h.ctl.Subscribe()
	_, err = h.ctl.LoadReplay("logs/drive.csv")
	require.NoError(t, err)
	require.NoError(t, h.ctl.Play())
	receive(t, sub, 1)
	for i := 1; i < 3; i++ {
		h.clock.BlockUntilTimers(1)
		h.clock.Advance(16 * time.Millisecond)
		receive(t, sub, 1)
	}
	require.Eventually(t, func() bool {
		return h.ctl.Status().Replay.State == replay.StateFinished
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, h.ctl.StopLogging())
	entry := h.catalog.get(0)
	assert.Equal(t, info.Path, entry.path)
	assert.True(t, entry.finished)
	assert.Equal(t, "replay", entry.source)
	assert.Equal(t, int64(3), entry.frames)
}

func TestController_Close(t *testing.T) {
	h := newHarness(t, nil)
	_, sub := h.ctl.Subscribe()
	_, err := h.ctl.StartListening()
	require.NoError(t, err)
	_, err = h.ctl.StartLogging()
	require.NoError(t, err)

	require.NoError(t, h.ctl.Close())
	require.NoError(t, h.ctl.Close())

	_, ok := <-sub
	assert.False(t, ok)
	assert.Equal(t, ModeIdle, h.ctl.Mode())
	assert.False(t, h.ctl.Status().Logger.Active)

	_, err = h.ctl.StartListening()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.ctl.StartLogging()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.ctl.LoadReplay("x.csv")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.ctl.Play(), ErrClosed)
}

func TestController_Metrics(t *testing.T) {
	metrics := monitoring.NewMetrics()
	h := newHarness(t, metrics)

	_, sub := h.ctl.Subscribe()
	_, err := h.ctl.StartListening()
	require.NoError(t, err)
	h.sock.Queue(testutil.SampleDatagram(t, telemetry.FormatStandard, 1), []byte{1, 2, 3})
	receive(t, sub, 1)
	require.Eventually(t, func() bool { return metrics.DecodeErrors() == 1 }, 5*time.Second, time.Millisecond)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "fh5_router_frames_published_total 1")
	assert.Contains(t, body, "fh5_decode_unknown_length_total 1")
	assert.Contains(t, body, "fh5_listener_running 1")
	assert.Contains(t, body, "fh5_logger_active 0")
}
