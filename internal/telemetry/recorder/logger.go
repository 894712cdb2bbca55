// Package recorder writes routed frames to CSV session logs and reads them
// back.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fh5telemetry/internal/fsutil"
	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/timeutil"
)

// FileExtension is the extension of session log files.
const FileExtension = ".csv"

// filePrefix and fileTimeLayout produce telemetry_data_20260502_183000.csv.
const (
	filePrefix     = "telemetry_data_"
	fileTimeLayout = "20060102_150405"
	maxNameSuffix  = 1000
)

// Defaults used when LoggerConfig leaves a field zero.
const (
	DefaultQueueSize      = 1024
	DefaultEnqueueTimeout = 50 * time.Millisecond
)

// ErrBacklog means the writer could not keep up and the logger stopped
// rather than drop records.
var ErrBacklog = errors.New("session log writer fell behind")

// LogWriteError reports a failure to write a session log. The logger is
// stopped by the time it is returned.
type LogWriteError struct {
	Path string
	Err  error
}

func (e *LogWriteError) Error() string {
	return fmt.Sprintf("write session log %s: %v", e.Path, e.Err)
}

func (e *LogWriteError) Unwrap() error { return e.Err }

// StopReason says why a session log was closed.
type StopReason string

const (
	StopRequested StopReason = "stopped"
	StopRestarted StopReason = "restarted"
	StopFailed    StopReason = "failed"
)

// SourceBoth is the Source of a log holding live and replayed frames.
const SourceBoth = "both"

// SessionInfo describes one session log.
type SessionInfo struct {
	Path      string
	StartedAt time.Time
	StoppedAt time.Time
	Frames    uint64

	// Source is set once the log is closed, from the frames it holds.
	Source string
	Reason StopReason
	Err    error
}

// LoggerStatus is a snapshot of the logger.
type LoggerStatus struct {
	Active    bool      `json:"active"`
	Path      string    `json:"path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Frames    uint64    `json:"frames"`
	Queued    int       `json:"queued"`
	Logged    uint64    `json:"logged_total"`
	Failures  uint64    `json:"failures_total"`
	LastError string    `json:"last_error,omitempty"`
}

// LoggerConfig configures a Logger.
type LoggerConfig struct {
	Dir            string
	QueueSize      int
	EnqueueTimeout time.Duration
	FS             fsutil.FileSystem
	Clock          timeutil.Clock

	// OnStart and OnStop are called outside the logger's locks.
	OnStart func(SessionInfo)
	OnStop  func(SessionInfo)
}

// Logger is a frame sink that, while active, appends every frame it is
// given to the current session log. Frames are handed to a background
// writer through a bounded queue so Consume returns quickly.
type Logger struct {
	cfg LoggerConfig

	ctlMu   sync.Mutex // serialises Start and Stop
	mu      sync.Mutex
	active  *logSession
	failed  *logSession // stopped by a write failure, not yet seen by Stop
	lastErr error

	logged   atomic.Uint64
	failures atomic.Uint64
}

// NewLogger creates an idle logger.
func NewLogger(cfg LoggerConfig) *Logger {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Logger{cfg: cfg}
}

type logSession struct {
	info SessionInfo
	file io.WriteCloser
	csv  *csv.Writer

	sendMu sync.RWMutex
	closed bool
	queue  chan telemetry.Frame

	failOnce sync.Once
	failed   chan struct{}
	err      error

	finishOnce sync.Once
	done       chan struct{} // writer exited
	finished   chan struct{} // OnStop has returned
	frames     atomic.Uint64
	modes      atomic.Uint32 // bit per telemetry.Mode written
}

func (s *logSession) fail(err error) {
	s.failOnce.Do(func() {
		s.err = &LogWriteError{Path: s.info.Path, Err: err}
		close(s.failed)
	})
}

// Start opens a new session log. If a log is already open it is closed
// first, so Start always leaves a fresh log behind.
func (l *Logger) Start() (SessionInfo, error) {
	l.ctlMu.Lock()
	defer l.ctlMu.Unlock()

	if prev := l.detachActive(); prev != nil {
		l.closeSession(prev, StopRestarted)
	}
	l.takeFailed()

	if err := l.cfg.FS.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return SessionInfo{}, &LogWriteError{Path: l.cfg.Dir, Err: err}
	}
	now := l.cfg.Clock.Now()
	path, file, err := createLogFile(l.cfg.FS, l.cfg.Dir, now)
	if err != nil {
		return SessionInfo{}, err
	}

	w := csv.NewWriter(file)
	w.Write(Header())
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return SessionInfo{}, &LogWriteError{Path: path, Err: err}
	}

	s := &logSession{
		info:   SessionInfo{Path: path, StartedAt: now},
		file:   file,
		csv:    w,
		queue:  make(chan telemetry.Frame, l.cfg.QueueSize),
		failed:   make(chan struct{}),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	l.mu.Lock()
	l.active = s
	l.lastErr = nil
	l.mu.Unlock()

	go l.runWriter(s)

	monitoring.Logf("Session log started: %s", path)
	if l.cfg.OnStart != nil {
		l.cfg.OnStart(s.info)
	}
	return s.info, nil
}

// Stop flushes and closes the current log. It returns the error that
// stopped the writer, if any. If the last log already stopped itself after
// a write failure, the first Stop after it returns that error; otherwise
// Stop on an idle logger does nothing.
func (l *Logger) Stop() error {
	l.ctlMu.Lock()
	defer l.ctlMu.Unlock()

	s := l.detachActive()
	if s == nil {
		return l.takeFailed()
	}
	return l.closeSession(s, StopRequested)
}

// takeFailed waits for a log that failed on its own to finish and returns
// its error once.
func (l *Logger) takeFailed() error {
	l.mu.Lock()
	s := l.failed
	l.failed = nil
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	<-s.finished
	return s.err
}

// Close stops the logger.
func (l *Logger) Close() error { return l.Stop() }

func (l *Logger) detachActive() *logSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.active
	l.active = nil
	return s
}

func (l *Logger) closeSession(s *logSession, reason StopReason) error {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.sendMu.Unlock()
	<-s.done

	if s.err != nil {
		reason = StopFailed
		l.mu.Lock()
		l.lastErr = s.err
		l.mu.Unlock()
	}
	l.finish(s, reason)
	return s.err
}

// Consume queues f for the active log. It is a no-op while the logger is
// idle. If the queue stays full for longer than the enqueue timeout the log
// is failed closed with ErrBacklog.
func (l *Logger) Consume(f telemetry.Frame) error {
	l.mu.Lock()
	s := l.active
	l.mu.Unlock()
	if s == nil {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return nil
	}

	select {
	case <-s.failed:
		return s.err
	default:
	}
	select {
	case s.queue <- f:
		return nil
	default:
	}

	timer := l.cfg.Clock.NewTimer(l.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case s.queue <- f:
		return nil
	case <-s.failed:
		return s.err
	case <-timer.C():
		s.fail(ErrBacklog)
		return s.err
	}
}

func (l *Logger) runWriter(s *logSession) {
	aborted := l.writeLoop(s)
	close(s.done)
	if aborted {
		l.finish(s, StopFailed)
	}
}

// writeLoop drains the queue until it is closed or the log fails. It
// reports whether the log was aborted.
func (l *Logger) writeLoop(s *logSession) bool {
	for {
		select {
		case <-s.failed:
			l.abort(s)
			return true
		case f, ok := <-s.queue:
			if !ok {
				s.csv.Flush()
				err := s.csv.Error()
				if cerr := s.file.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					s.fail(err)
					l.failures.Add(1)
				}
				return false
			}
			select {
			case <-s.failed:
				l.abort(s)
				return true
			default:
			}
			if err := l.write(s, f); err != nil {
				s.fail(err)
				l.abort(s)
				return true
			}
		}
	}
}

func (l *Logger) write(s *logSession, f telemetry.Frame) error {
	if err := s.csv.Write(EncodeRecord(f)); err != nil {
		return err
	}
	s.frames.Add(1)
	s.modes.Or(1 << f.Mode())
	l.logged.Add(1)
	if len(s.queue) == 0 {
		s.csv.Flush()
		return s.csv.Error()
	}
	return nil
}

// abort runs on the writer after a failure. Records already accepted are
// flushed when the disk is still healthy; the session is then detached so
// the next Consume sees an idle logger, and parked for the next Stop.
func (l *Logger) abort(s *logSession) {
	l.failures.Add(1)
	if errors.Is(s.err, ErrBacklog) {
		s.csv.Flush()
	}
	s.file.Close()

	l.mu.Lock()
	if l.active == s {
		l.active = nil
		l.failed = s
	}
	l.lastErr = s.err
	l.mu.Unlock()

	monitoring.Logf("Session log stopped after error: %v", s.err)
}

func (l *Logger) finish(s *logSession, reason StopReason) {
	s.finishOnce.Do(func() {
		defer close(s.finished)
		<-s.done
		info := s.info
		info.StoppedAt = l.cfg.Clock.Now()
		info.Frames = s.frames.Load()
		info.Source = sourceOf(s.modes.Load())
		info.Reason = reason
		info.Err = s.err
		if reason != StopFailed {
			monitoring.Logf("Session log closed: %s (%d frames)", info.Path, info.Frames)
		}
		if l.cfg.OnStop != nil {
			l.cfg.OnStop(info)
		}
	})
}

// sourceOf names the frame sources recorded in a log: live, replay or
// both. It is empty for a log with no frames.
func sourceOf(modes uint32) string {
	live := modes&(1<<telemetry.ModeLive) != 0
	replayed := modes&(1<<telemetry.ModeReplay) != 0
	switch {
	case live && replayed:
		return SourceBoth
	case live:
		return telemetry.ModeLive.String()
	case replayed:
		return telemetry.ModeReplay.String()
	default:
		return ""
	}
}

// Active reports whether a log is open.
func (l *Logger) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

// LastError is the error that failed the most recent log, if it failed.
func (l *Logger) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Status returns a snapshot of the logger.
func (l *Logger) Status() LoggerStatus {
	l.mu.Lock()
	s := l.active
	lastErr := l.lastErr
	l.mu.Unlock()

	st := LoggerStatus{
		Logged:   l.logged.Load(),
		Failures: l.failures.Load(),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if s != nil {
		st.Active = true
		st.Path = s.info.Path
		st.StartedAt = s.info.StartedAt
		st.Frames = s.frames.Load()
		st.Queued = len(s.queue)
	}
	return st
}

// LogFileName returns the base name of a log started at t.
func LogFileName(t time.Time) string {
	return filePrefix + t.Format(fileTimeLayout) + FileExtension
}

// createLogFile creates a uniquely named log in dir. Names that already
// exist get an _N suffix.
func createLogFile(fsys fsutil.FileSystem, dir string, t time.Time) (string, io.WriteCloser, error) {
	base := filePrefix + t.Format(fileTimeLayout)
	for n := 0; n < maxNameSuffix; n++ {
		name := base + FileExtension
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, FileExtension)
		}
		path := filepath.Join(dir, name)
		f, err := fsys.CreateNew(path)
		if err == nil {
			return path, f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, &LogWriteError{Path: path, Err: err}
		}
	}
	return "", nil, &LogWriteError{Path: filepath.Join(dir, base+FileExtension), Err: fs.ErrExist}
}
