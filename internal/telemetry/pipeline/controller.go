// Package pipeline wires the receive path, router, session logger and replay
// engine together and exposes the control surface used by the HTTP API,
// the stream server and the command line.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fh5telemetry/internal/framemux"
	"github.com/banshee-data/fh5telemetry/internal/fsutil"
	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/network"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/recorder"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/replay"
	"github.com/banshee-data/fh5telemetry/internal/timeutil"
)

var (
	// ErrModeBusy is returned when live and replay would run at the same
	// time. The other mode must be stopped first.
	ErrModeBusy = errors.New("another source is active")
	// ErrClosed is returned by every control call after Close.
	ErrClosed = errors.New("pipeline closed")
)

// Mode is the active frame source.
type Mode string

const (
	ModeIdle   Mode = "idle"
	ModeLive   Mode = "live"
	ModeReplay Mode = "replay"
)

// Catalog records the session logs the logger writes. *db.DB implements it.
// FinishSession replaces the source given at creation unless it is empty.
type Catalog interface {
	CreateSession(path, source string, startedAt time.Time) (string, error)
	FinishSession(id string, stoppedAt time.Time, frames int64, source, reason, errMsg string) error
}

// Config configures a Controller. Zero values pick the package defaults.
type Config struct {
	// Listener is used for every StartListening. Stats is overridden by
	// Metrics when Metrics is set.
	Listener      network.ListenerConfig
	QueueCapacity int
	// ForwardAddr, when set, re-sends every received datagram there.
	ForwardAddr string

	SubscriberBuffer int

	LogDir            string
	LogQueue          int
	LogEnqueueTimeout time.Duration

	FS      fsutil.FileSystem
	Clock   timeutil.Clock
	Metrics *monitoring.Metrics
	Catalog Catalog
}

// DefaultQueueCapacity is the listener to router queue size.
const DefaultQueueCapacity = 256

// ListenerStatus describes the running listener.
type ListenerStatus struct {
	Addr string `json:"addr"`
	network.ListenerStats
	Queued    int    `json:"queued"`
	Forwarded uint64 `json:"forwarded,omitempty"`
}

// Status is a snapshot of the whole pipeline.
type Status struct {
	Mode     Mode                  `json:"mode"`
	Listener *ListenerStatus       `json:"listener,omitempty"`
	Router   framemux.Stats        `json:"router"`
	Logger   recorder.LoggerStatus `json:"logger"`
	Replay   replay.Status         `json:"replay"`
}

type liveSource struct {
	listener  *network.Listener
	queue     *network.FrameQueue
	forwarder *network.PacketForwarder
	cancel    context.CancelFunc
	serveDone chan struct{}
	drainDone chan struct{}
}

// Controller owns one router and everything that feeds or drains it.
type Controller struct {
	cfg    Config
	mux    *framemux.Mux
	logger *recorder.Logger
	engine *replay.Engine

	mu     sync.Mutex
	live   *liveSource
	isLive atomic.Bool
	closed bool

	catMu    sync.Mutex
	sessions map[string]string // log path -> catalog id
}

// New creates an idle controller. The logger is attached to the router for
// the controller's lifetime and records frames from either source.
func New(cfg Config) *Controller {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	c := &Controller{
		cfg:      cfg,
		sessions: make(map[string]string),
	}
	c.mux = framemux.New(framemux.WithClock(cfg.Clock), framemux.WithBufferSize(cfg.SubscriberBuffer))
	c.logger = recorder.NewLogger(recorder.LoggerConfig{
		Dir:            cfg.LogDir,
		QueueSize:      cfg.LogQueue,
		EnqueueTimeout: cfg.LogEnqueueTimeout,
		FS:             cfg.FS,
		Clock:          cfg.Clock,
		OnStart:        c.sessionStarted,
		OnStop:         c.sessionStopped,
	})
	c.engine = replay.NewEngine(c.mux, replay.WithClock(cfg.Clock))
	c.mux.Attach("logger", c.logger)

	if cfg.Metrics != nil {
		c.registerMetrics(cfg.Metrics)
	}
	return c
}

// Mux is the router, for admin routes.
func (c *Controller) Mux() *framemux.Mux { return c.mux }

// Mode reports the active source.
func (c *Controller) Mode() Mode {
	if c.isLive.Load() {
		return ModeLive
	}
	if c.engine.State() != replay.StateIdle {
		return ModeReplay
	}
	return ModeIdle
}

// StartListening binds the telemetry socket and starts feeding the router.
// It is a no-op while already listening. A bind failure is returned as
// *network.BindError.
func (c *Controller) StartListening() (net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.live != nil {
		return c.live.listener.Addr(), nil
	}
	if c.engine.State() != replay.StateIdle {
		return nil, fmt.Errorf("%w: replay is loaded", ErrModeBusy)
	}

	lcfg := c.cfg.Listener
	if c.cfg.Metrics != nil {
		lcfg.Stats = c.cfg.Metrics
	}
	var fwd *network.PacketForwarder
	if c.cfg.ForwardAddr != "" {
		var err error
		fwd, err = network.NewPacketForwarder(c.cfg.ForwardAddr, lcfg.LogInterval)
		if err != nil {
			return nil, err
		}
		lcfg.Forwarder = fwd
	}

	l, err := network.Listen(lcfg)
	if err != nil {
		if fwd != nil {
			fwd.Close()
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	src := &liveSource{
		listener:  l,
		queue:     network.NewFrameQueue(c.cfg.QueueCapacity),
		forwarder: fwd,
		cancel:    cancel,
		serveDone: make(chan struct{}),
		drainDone: make(chan struct{}),
	}
	go func() {
		defer close(src.serveDone)
		if err := l.Serve(ctx, src.queue); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("telemetry listener stopped: %v", err)
		}
	}()
	go func() {
		defer close(src.drainDone)
		if err := c.mux.Drain(ctx, src.queue.C()); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("telemetry router stopped: %v", err)
		}
	}()

	c.live = src
	c.isLive.Store(true)
	return l.Addr(), nil
}

// StopListening closes the socket and waits until every frame already
// queued has been delivered. It is idempotent.
func (c *Controller) StopListening() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopListeningLocked()
}

func (c *Controller) stopListeningLocked() error {
	src := c.live
	if src == nil {
		return nil
	}
	err := src.listener.Close()
	<-src.serveDone
	<-src.drainDone
	src.cancel()

	c.live = nil
	c.isLive.Store(false)
	st := src.listener.Stats()
	monitoring.Logf("telemetry listener stopped: %d datagrams, %d decoded, %d decode errors, %d queue drops",
		st.Datagrams, st.Decoded, st.DecodeErrors, st.QueueDrops)
	return err
}

// StartLogging opens a new session log. While a log is open it is closed
// first and a new one started.
func (c *Controller) StartLogging() (recorder.SessionInfo, error) {
	if err := c.checkOpen(); err != nil {
		return recorder.SessionInfo{}, err
	}
	return c.logger.Start()
}

// StopLogging closes the current log. It returns the error that ended the
// log, if writing failed.
func (c *Controller) StopLogging() error {
	return c.logger.Stop()
}

// LoadReplay parses a session log and loads it into the replay engine.
func (c *Controller) LoadReplay(path string) (*replay.Session, error) {
	return c.loadReplay(func() (*replay.Session, error) {
		return replay.LoadFS(c.cfg.FS, path)
	})
}

// LoadPCAP loads the telemetry datagrams of a packet capture for replay.
func (c *Controller) LoadPCAP(ctx context.Context, path string, port int) (*replay.Session, error) {
	return c.loadReplay(func() (*replay.Session, error) {
		return replay.LoadPCAP(ctx, path, port)
	})
}

func (c *Controller) loadReplay(load func() (*replay.Session, error)) (*replay.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.live != nil {
		return nil, fmt.Errorf("%w: listener is running", ErrModeBusy)
	}
	s, err := load()
	if err != nil {
		return nil, err
	}
	if err := c.engine.Load(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Play starts or resumes the loaded replay.
func (c *Controller) Play() error { return c.replayCall(c.engine.Play) }

// Pause holds the replay at its current position.
func (c *Controller) Pause() error { return c.replayCall(c.engine.Pause) }

// Seek moves the replay to frame i, publishes it and pauses.
func (c *Controller) Seek(i int) error {
	return c.replayCall(func() error { return c.engine.Seek(i) })
}

// SeekTime seeks to the first frame at or after offset into the session.
func (c *Controller) SeekTime(offset time.Duration) error {
	return c.replayCall(func() error { return c.engine.SeekTime(offset) })
}

func (c *Controller) SetSpeed(multiplier float64) error {
	return c.replayCall(func() error { return c.engine.SetSpeed(multiplier) })
}

func (c *Controller) replayCall(fn func() error) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return fn()
}

// StopReplay halts playback and unloads the session. It is idempotent.
func (c *Controller) StopReplay() {
	c.engine.Stop()
}

// Subscribe registers a frame subscriber with the default buffer.
func (c *Controller) Subscribe() (string, <-chan telemetry.Frame) {
	return c.mux.Subscribe()
}

// SubscribeWithBuffer registers a frame subscriber holding up to n frames.
func (c *Controller) SubscribeWithBuffer(n int) (string, <-chan telemetry.Frame) {
	return c.mux.SubscribeWithBuffer(n)
}

// Unsubscribe removes a subscriber and closes its channel.
func (c *Controller) Unsubscribe(id string) { c.mux.Unsubscribe(id) }

// Status returns a snapshot of every stage.
func (c *Controller) Status() Status {
	st := Status{
		Mode:   c.Mode(),
		Router: c.mux.Stats(),
		Logger: c.logger.Status(),
		Replay: c.engine.Status(),
	}
	c.mu.Lock()
	if src := c.live; src != nil {
		ls := &ListenerStatus{
			Addr:          src.listener.Addr().String(),
			ListenerStats: src.listener.Stats(),
			Queued:        src.queue.Len(),
		}
		if src.forwarder != nil {
			ls.Forwarded = src.forwarder.Forwarded()
		}
		st.Listener = ls
	}
	c.mu.Unlock()
	return st
}

// Close stops every source, closes the current log and the router.
// Subscriber channels are closed. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listenErr := c.stopListeningLocked()
	c.mu.Unlock()

	c.engine.Stop()
	logErr := c.logger.Close()
	c.mux.Close()
	return errors.Join(listenErr, logErr)
}

func (c *Controller) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Controller) sessionStarted(info recorder.SessionInfo) {
	monitoring.Logf("Session log started: %s", info.Path)
	if c.cfg.Catalog == nil {
		return
	}
	// The mode is a first guess; the log's frames decide it when it closes.
	source := ""
	if m := c.Mode(); m != ModeIdle {
		source = string(m)
	}
	id, err := c.cfg.Catalog.CreateSession(info.Path, source, info.StartedAt)
	if err != nil {
		monitoring.Logf("Failed to catalog session %s: %v", info.Path, err)
		return
	}
	c.catMu.Lock()
	c.sessions[info.Path] = id
	c.catMu.Unlock()
}

func (c *Controller) sessionStopped(info recorder.SessionInfo) {
	if info.Err != nil {
		monitoring.Logf("Session log %s stopped after %d frames: %v", info.Path, info.Frames, info.Err)
	} else {
		monitoring.Logf("Session log %s %s after %d frames", info.Path, info.Reason, info.Frames)
	}
	if c.cfg.Catalog == nil {
		return
	}
	c.catMu.Lock()
	id, ok := c.sessions[info.Path]
	delete(c.sessions, info.Path)
	c.catMu.Unlock()
	if !ok {
		return
	}
	errMsg := ""
	if info.Err != nil {
		errMsg = info.Err.Error()
	}
	if err := c.cfg.Catalog.FinishSession(id, info.StoppedAt, int64(info.Frames), info.Source, string(info.Reason), errMsg); err != nil {
		monitoring.Logf("Failed to update catalog for %s: %v", info.Path, err)
	}
}

func (c *Controller) registerMetrics(m *monitoring.Metrics) {
	m.AddCounterFunc("fh5_router_frames_published_total", "Frames delivered by the router",
		func() float64 { return float64(c.mux.Stats().Published) })
	m.AddCounterFunc("fh5_router_subscriber_drops_total", "Frames discarded for slow subscribers",
		func() float64 { return float64(c.mux.Stats().SubscriberDrops) })
	m.AddCounterFunc("fh5_router_sink_errors_total", "Sink failures on the delivery path",
		func() float64 { return float64(c.mux.Stats().SinkErrors) })
	m.AddGaugeFunc("fh5_router_subscribers", "Active channel subscribers",
		func() float64 { return float64(c.mux.Stats().Subscribers) })

	m.AddCounterFunc("fh5_logger_frames_total", "Frames written to session logs",
		func() float64 { return float64(c.logger.Status().Logged) })
	m.AddCounterFunc("fh5_logger_failures_total", "Session logs stopped by a write failure",
		func() float64 { return float64(c.logger.Status().Failures) })
	m.AddGaugeFunc("fh5_logger_active", "1 while a session log is open",
		func() float64 { return boolGauge(c.logger.Active()) })

	m.AddCounterFunc("fh5_replay_frames_total", "Frames published by the replay engine",
		func() float64 { return float64(c.engine.Published()) })
	m.AddGaugeFunc("fh5_replay_playing", "1 while a replay is playing",
		func() float64 { return boolGauge(c.engine.State() == replay.StatePlaying) })
	m.AddGaugeFunc("fh5_listener_running", "1 while the UDP listener is running",
		func() float64 { return boolGauge(c.isLive.Load()) })
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
