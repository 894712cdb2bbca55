package replay

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fh5telemetry/internal/framemux"
	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/testutil"
	"github.com/banshee-data/fh5telemetry/internal/timeutil"
)

var t0 = time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)

func quietLogs(t *testing.T) {
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

// sessionAt builds a session whose frames were recorded at the given
// offsets from t0.
func sessionAt(t *testing.T, offsets ...time.Duration) *Session {
	s := &Session{Path: "test.csv"}
	for i, off := range offsets {
		f := testutil.SampleFrame(t, telemetry.FormatDashboard, i+1).
			Stamp(uint64(100+i), t0.Add(off), telemetry.ModeLive)
		s.Frames = append(s.Frames, f)
	}
	return s
}

type harness struct {
	clock  *timeutil.MockClock
	mux    *framemux.Mux
	frames <-chan telemetry.Frame
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	quietLogs(t)
	clock := timeutil.NewMockClock(t0)
	mux := framemux.New(framemux.WithClock(clock))
	_, frames := mux.SubscribeWithBuffer(256)
	t.Cleanup(func() { mux.Close() })
	engine := NewEngine(mux, WithClock(clock))
	// Runs before the log hook is restored.
	t.Cleanup(engine.Stop)
	return &harness{
		clock:  clock,
		mux:    mux,
		frames: frames,
		engine: engine,
	}
}

func (h *harness) next(t *testing.T) telemetry.Frame {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame published")
		return telemetry.Frame{}
	}
}

func (h *harness) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case f := <-h.frames:
		t.Fatalf("unexpected frame %v", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.engine.State() == want },
		5*time.Second, time.Millisecond, "state %s, want %s", h.engine.State(), want)
}

func TestEngine_IdleRejectsControls(t *testing.T) {
	h := newHarness(t)
	e := h.engine

	assert.Equal(t, StateIdle, e.State())
	assert.ErrorIs(t, e.Play(), ErrInvalidState)
	assert.ErrorIs(t, e.Pause(), ErrInvalidState)
	assert.ErrorIs(t, e.Seek(0), ErrInvalidState)
	assert.ErrorIs(t, e.SeekTime(0), ErrInvalidState)
	e.Stop()
	e.Stop()
	assert.Equal(t, StateIdle, e.State())
	assert.Error(t, e.Load(nil))
}

func TestEngine_PacesByRecordedGaps(t *testing.T) {
	h := newHarness(t)
	s := sessionAt(t, 0, 16*time.Millisecond, 32*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, h.engine.Load(s))
	assert.Equal(t, StateLoaded, h.engine.State())
	require.NoError(t, h.engine.SetSpeed(2))

	require.NoError(t, h.engine.Play())
	assert.Equal(t, StatePlaying, h.engine.State())
	assert.True(t, s.Frames[0].SameSample(h.next(t)), "first frame is immediate")

	h.clock.BlockUntilTimers(1)
	h.assertQuiet(t)
	h.clock.Advance(8 * time.Millisecond)
	assert.True(t, s.Frames[1].SameSample(h.next(t)))

	h.clock.BlockUntilTimers(1)
	h.clock.Advance(8 * time.Millisecond)
	assert.True(t, s.Frames[2].SameSample(h.next(t)))

	// 68ms gap at 2x
	h.clock.BlockUntilTimers(1)
	h.clock.Advance(33 * time.Millisecond)
	h.assertQuiet(t)
	h.clock.Advance(time.Millisecond)
	assert.True(t, s.Frames[3].SameSample(h.next(t)))

	h.waitState(t, StateFinished)
	pos, total := h.engine.Position()
	assert.Equal(t, 4, pos)
	assert.Equal(t, 4, total)
	assert.Equal(t, uint64(4), h.engine.Published())
}

func TestEngine_LateFrameDoesNotDelayTheRest(t *testing.T) {
	h := newHarness(t)
	s := sessionAt(t, 0, 16*time.Millisecond, 32*time.Millisecond)
	require.NoError(t, h.engine.Load(s))

	require.NoError(t, h.engine.Play())
	h.next(t)

	// frame 1 goes out 14ms late; frame 2 is still due at 32ms
	h.clock.BlockUntilTimers(1)
	h.clock.Advance(30 * time.Millisecond)
	assert.True(t, s.Frames[1].SameSample(h.next(t)))

	h.clock.BlockUntilTimers(1)
	h.clock.Advance(time.Millisecond)
	h.assertQuiet(t)
	h.clock.Advance(time.Millisecond)
	assert.True(t, s.Frames[2].SameSample(h.next(t)))
	h.waitState(t, StateFinished)
}

func TestEngine_SpeedChangeWhilePlaying(t *testing.T) {
	h := newHarness(t)
	s := sessionAt(t, 0, 100*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, h.engine.Load(s))

	require.NoError(t, h.engine.Play())
	h.next(t)
	h.clock.BlockUntilTimers(1)
	require.NoError(t, h.engine.SetSpeed(2))

	// the pending frame keeps its deadline
	h.clock.Advance(100 * time.Millisecond)
	assert.True(t, s.Frames[1].SameSample(h.next(t)))

	// the next 100ms gap plays in 50ms
	h.clock.BlockUntilTimers(1)
	h.clock.Advance(49 * time.Millisecond)
	h.assertQuiet(t)
	h.clock.Advance(time.Millisecond)
	assert.True(t, s.Frames[2].SameSample(h.next(t)))
	h.waitState(t, StateFinished)
}

func TestEngine_StopWaitsForFinishedPlayback(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Load(sessionAt(t, 0, 0)))
	require.NoError(t, h.engine.Play())

	h.engine.Stop()
	assert.Equal(t, StateIdle, h.engine.State())
	// the playback goroutine has exited; nothing is left to log or publish
	n := h.engine.Published()
	h.clock.Advance(time.Second)
	assert.Equal(t, n, h.engine.Published())
}

func TestEngine_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	s := sessionAt(t, 0, time.Second, 2*time.Second)
	require.NoError(t, h.engine.Load(s))

	require.NoError(t, h.engine.Play())
	require.NoError(t, h.engine.Play(), "play while playing is a no-op")
	h.next(t)
	h.clock.BlockUntilTimers(1)

	require.NoError(t, h.engine.Pause())
	assert.Equal(t, StatePaused, h.engine.State())
	require.NoError(t, h.engine.Pause())
	assert.Equal(t, 0, h.clock.PendingTimers(), "pause cancels the pending frame")
	pos, _ := h.engine.Position()
	assert.Equal(t, 1, pos)

	h.clock.Advance(time.Hour)
	h.assertQuiet(t)

	require.NoError(t, h.engine.Play())
	assert.True(t, s.Frames[1].SameSample(h.next(t)), "resume publishes the next frame")
	h.clock.BlockUntilTimers(1)
	h.clock.Advance(time.Second)
	assert.True(t, s.Frames[2].SameSample(h.next(t)))
	h.waitState(t, StateFinished)

	assert.ErrorIs(t, h.engine.Play(), ErrInvalidState)
	assert.ErrorIs(t, h.engine.Pause(), ErrInvalidState)
}

func TestEngine_Seek(t *testing.T) {
	h := newHarness(t)
	s := sessionAt(t, 0, 16*time.Millisecond, 32*time.Millisecond, 48*time.Millisecond, 64*time.Millisecond)
	require.NoError(t, h.engine.Load(s))

	require.NoError(t, h.engine.Seek(2))
	assert.Equal(t, StatePaused, h.engine.State())
	assert.True(t, s.Frames[2].SameSample(h.next(t)), "seek shows the target frame")
	h.assertQuiet(t)
	pos, _ := h.engine.Position()
	assert.Equal(t, 3, pos)

	assert.ErrorIs(t, h.engine.Seek(-1), ErrOutOfRange)
	assert.ErrorIs(t, h.engine.Seek(5), ErrOutOfRange)
	assert.ErrorIs(t, h.engine.SeekTime(time.Second), ErrOutOfRange)

	require.NoError(t, h.engine.SeekTime(20*time.Millisecond))
	assert.True(t, s.Frames[2].SameSample(h.next(t)), "first frame at or after 20ms")

	// seek while playing stops playback
	require.NoError(t, h.engine.Seek(0))
	h.next(t)
	require.NoError(t, h.engine.Play())
	assert.True(t, s.Frames[1].SameSample(h.next(t)))
	h.clock.BlockUntilTimers(1)
	require.NoError(t, h.engine.Seek(4))
	assert.Equal(t, StatePaused, h.engine.State())
	assert.True(t, s.Frames[4].SameSample(h.next(t)))

	// seeking a finished session re-enters Paused
	require.NoError(t, h.engine.Play())
	h.waitState(t, StateFinished)
	require.NoError(t, h.engine.Seek(1))
	assert.Equal(t, StatePaused, h.engine.State())
}

func TestEngine_SetSpeed(t *testing.T) {
	h := newHarness(t)
	for _, bad := range []float64{0, -1, MinSpeed / 2, MaxSpeed * 2, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, h.engine.SetSpeed(bad), ErrInvalidSpeed, "%v", bad)
	}
	require.NoError(t, h.engine.SetSpeed(0.5))
	assert.Equal(t, 0.5, h.engine.Status().Speed)
}

func TestEngine_SequenceKeepsIncreasing(t *testing.T) {
	h := newHarness(t)
	s := sessionAt(t, 0, 0, 0, 0, 0, 0)
	require.NoError(t, h.engine.Load(s))

	// a live frame before replay
	_, err := h.mux.Publish(testutil.SampleFrame(t, telemetry.FormatStandard, 1), telemetry.ModeLive)
	require.NoError(t, err)

	require.NoError(t, h.engine.Play())
	h.waitState(t, StateFinished)

	var last uint64
	for i := 0; i < 7; i++ {
		f := h.next(t)
		assert.Greater(t, f.Sequence(), last)
		last = f.Sequence()
		if i > 0 {
			assert.Equal(t, telemetry.ModeReplay, f.Mode())
			assert.True(t, s.Frames[i-1].SameSample(f))
		}
	}
	assert.Equal(t, uint64(7), last, "recorded sequence numbers are replaced")
}

func TestEngine_EmptySessionFinishesImmediately(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Load(&Session{Path: "empty.csv"}))
	require.NoError(t, h.engine.Play())
	h.waitState(t, StateFinished)
	assert.ErrorIs(t, h.engine.Seek(0), ErrOutOfRange)
	h.assertQuiet(t)
}

func TestEngine_StopsWhenPublisherFails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Load(sessionAt(t, 0, time.Millisecond)))
	require.NoError(t, h.mux.Close())

	require.NoError(t, h.engine.Play())
	h.waitState(t, StatePaused)
	st := h.engine.Status()
	assert.Contains(t, st.LastError, "closed")
	assert.Equal(t, 0, st.Position)

	err := h.engine.Seek(1)
	assert.True(t, errors.Is(err, framemux.ErrClosed))
}

func TestEngine_StopUnloads(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Load(sessionAt(t, 0, time.Second)))
	require.NoError(t, h.engine.Play())
	h.next(t)
	h.clock.BlockUntilTimers(1)

	h.engine.Stop()
	assert.Equal(t, StateIdle, h.engine.State())
	pos, total := h.engine.Position()
	assert.Equal(t, 0, pos)
	assert.Equal(t, 0, total)
	assert.Empty(t, h.engine.Status().Path)
}

func TestEngine_LoadWhilePlayingReplacesSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Load(sessionAt(t, 0, time.Second)))
	require.NoError(t, h.engine.Play())
	h.next(t)
	h.clock.BlockUntilTimers(1)

	next := sessionAt(t, 0, time.Millisecond, 2*time.Millisecond)
	require.NoError(t, h.engine.Load(next))
	assert.Equal(t, StateLoaded, h.engine.State())
	assert.Equal(t, 0, h.clock.PendingTimers())
	_, total := h.engine.Position()
	assert.Equal(t, 3, total)
}

func TestState_String(t *testing.T) {
	names := map[State]string{
		StateIdle:     "idle",
		StateLoaded:   "loaded",
		StatePlaying:  "playing",
		StatePaused:   "paused",
		StateFinished: "finished",
	}
	for s, want := range names {
		assert.Equal(t, want, s.String())
	}
	assert.Equal(t, "state(9)", State(9).String())
}
