// Package replay loads recorded sessions and plays them back through the
// frame router at their recorded cadence.
package replay

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fh5telemetry/internal/framemux"
	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/timeutil"
)

// Speed limits accepted by SetSpeed.
const (
	MinSpeed = 0.05
	MaxSpeed = 64.0
)

var (
	// ErrInvalidState is returned for a control call the current state does
	// not allow.
	ErrInvalidState = errors.New("invalid replay state")
	// ErrOutOfRange is returned when seeking past the loaded session.
	ErrOutOfRange = errors.New("seek position out of range")
	// ErrInvalidSpeed is returned for a speed outside MinSpeed..MaxSpeed.
	ErrInvalidSpeed = errors.New("invalid replay speed")
)

// State is the playback state.
type State int

const (
	StateIdle State = iota
	StateLoaded
	StatePlaying
	StatePaused
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a snapshot of the engine.
type Status struct {
	State     State         `json:"state"`
	Path      string        `json:"path,omitempty"`
	Position  int           `json:"position"`
	Frames    int           `json:"frames"`
	Skipped   int           `json:"skipped"`
	Speed     float64       `json:"speed"`
	Duration  time.Duration `json:"duration_ns"`
	Published uint64        `json:"published_total"`
	LastError string        `json:"last_error,omitempty"`
}

// Engine plays a Session into a Publisher. Position is the index of the
// next frame to publish.
type Engine struct {
	pub   framemux.Publisher
	clock timeutil.Clock

	ctlMu sync.Mutex // serialises control calls

	mu      sync.Mutex
	state   State
	session *Session
	pos     int
	speed   float64
	lastErr error
	stop    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup // playback goroutines, including ones that finished on their own

	published atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for pacing.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an idle engine publishing to pub.
func NewEngine(pub framemux.Publisher, opts ...Option) *Engine {
	e := &Engine{pub: pub, clock: timeutil.RealClock{}, speed: 1}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load replaces the current session. Playback is stopped first.
func (e *Engine) Load(s *Session) error {
	if s == nil {
		return errors.New("nil session")
	}
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	e.halt()
	e.mu.Lock()
	e.session = s
	e.pos = 0
	e.state = StateLoaded
	e.lastErr = nil
	e.mu.Unlock()
	monitoring.Logf("Replay loaded %s: %d frames over %s", s.Path, s.Len(), s.Duration())
	return nil
}

// Play starts or resumes playback from the current position. Playing is a
// no-op; Idle and Finished are rejected.
func (e *Engine) Play() error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StatePlaying:
		return nil
	case StateLoaded, StatePaused:
	default:
		return fmt.Errorf("%w: cannot play while %s", ErrInvalidState, e.state)
	}
	e.state = StatePlaying
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.wg.Add(1)
	go e.run(e.session.Frames, e.stop, e.done)
	return nil
}

// Pause stops playback, keeping the position.
func (e *Engine) Pause() error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	switch st {
	case StatePaused:
		return nil
	case StatePlaying:
	default:
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, st)
	}
	if e.halt() {
		e.mu.Lock()
		e.state = StatePaused
		e.mu.Unlock()
	}
	return nil
}

// Seek moves to frame index i, publishes that frame once so consumers show
// it, and leaves the engine Paused just after it.
func (e *Engine) Seek(i int) error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	e.mu.Lock()
	st, s := e.state, e.session
	e.mu.Unlock()
	if st == StateIdle {
		return fmt.Errorf("%w: nothing loaded", ErrInvalidState)
	}
	if i < 0 || i >= s.Len() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, s.Len())
	}

	e.halt()
	e.mu.Lock()
	e.state = StatePaused
	e.pos = i + 1
	e.mu.Unlock()

	if _, err := e.pub.Publish(s.Frames[i], telemetry.ModeReplay); err != nil {
		e.setErr(err)
		return err
	}
	e.published.Add(1)
	return nil
}

// SeekTime seeks to the first frame recorded at or after offset from the
// start of the session.
func (e *Engine) SeekTime(offset time.Duration) error {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: nothing loaded", ErrInvalidState)
	}
	if offset < 0 || offset > s.Duration() {
		return fmt.Errorf("%w: %s not in [0, %s]", ErrOutOfRange, offset, s.Duration())
	}
	return e.Seek(s.IndexAt(offset))
}

// SetSpeed scales the recorded inter-frame gaps; 2 plays twice as fast.
// A frame already waiting keeps its deadline; the change applies to the
// frames after it.
func (e *Engine) SetSpeed(multiplier float64) error {
	if math.IsNaN(multiplier) || multiplier < MinSpeed || multiplier > MaxSpeed {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, multiplier)
	}
	e.mu.Lock()
	e.speed = multiplier
	e.mu.Unlock()
	return nil
}

// Stop halts playback and unloads the session. It returns once no playback
// goroutine is left running. It is idempotent.
func (e *Engine) Stop() {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	e.halt()
	e.wg.Wait()
	e.mu.Lock()
	e.state = StateIdle
	e.session = nil
	e.pos = 0
	e.mu.Unlock()
}

// halt stops the playback goroutine if one is running and waits for it.
// It reports whether playback was running.
func (e *Engine) halt() bool {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()
	if stop == nil {
		return false
	}
	close(stop)
	<-done
	return true
}

// run publishes frames from the current position. The first frame goes out
// immediately. Later frames are due at their recorded offset from it divided
// by the speed, measured from the wall time playback started, so publish
// latency does not accumulate. A speed change rebases the schedule on the
// last published frame.
func (e *Engine) run(frames []telemetry.Frame, stop, done chan struct{}) {
	defer e.wg.Done()
	defer close(done)

	var (
		base      time.Time // recorded time of the schedule origin
		wallStart time.Time // wall time of the schedule origin
		lastWall  time.Time
		speed     float64
		started   bool
	)
	for {
		e.mu.Lock()
		if e.pos >= len(frames) {
			if e.stop == stop {
				e.state = StateFinished
				e.stop, e.done = nil, nil
			}
			e.mu.Unlock()
			monitoring.Logf("Replay finished after %d frames", len(frames))
			return
		}
		i := e.pos
		switch {
		case !started:
			base, wallStart, speed = frames[i].ReceivedAt(), e.clock.Now(), e.speed
			started = true
		case e.speed != speed:
			base, wallStart, speed = frames[i-1].ReceivedAt(), lastWall, e.speed
		}
		e.mu.Unlock()

		var wait time.Duration
		if offset := frames[i].ReceivedAt().Sub(base); offset > 0 {
			wait = time.Duration(float64(offset)/speed) - e.clock.Since(wallStart)
		}

		if wait > 0 {
			timer := e.clock.NewTimer(wait)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C():
			}
		} else {
			select {
			case <-stop:
				return
			default:
			}
		}

		if _, err := e.pub.Publish(frames[i], telemetry.ModeReplay); err != nil {
			monitoring.Logf("Replay stopped: %v", err)
			e.mu.Lock()
			if e.stop == stop {
				e.state = StatePaused
				e.stop, e.done = nil, nil
			}
			e.lastErr = err
			e.mu.Unlock()
			return
		}
		e.published.Add(1)
		lastWall = e.clock.Now()

		e.mu.Lock()
		e.pos = i + 1
		e.mu.Unlock()
	}
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

// State returns the playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Position returns the index of the next frame and the session length.
func (e *Engine) Position() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return 0, 0
	}
	return e.pos, e.session.Len()
}

// Published is the number of frames the engine has published.
func (e *Engine) Published() uint64 { return e.published.Load() }

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:     e.state,
		Position:  e.pos,
		Speed:     e.speed,
		Published: e.published.Load(),
	}
	if e.session != nil {
		st.Path = e.session.Path
		st.Frames = e.session.Len()
		st.Skipped = len(e.session.Skipped)
		st.Duration = e.session.Duration()
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}
