// Package api serves the HTTP control and query surface: pipeline control,
// status, the session catalog with per-session statistics and charts, a
// websocket frame stream and the Prometheus endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/fh5telemetry/internal/db"
	"github.com/banshee-data/fh5telemetry/internal/fsutil"
	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/security"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/network"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/pipeline"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/recorder"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/replay"
)

// Pipeline is the control surface the API drives. *pipeline.Controller
// implements it.
type Pipeline interface {
	Status() pipeline.Status
	StartListening() (net.Addr, error)
	StopListening() error
	StartLogging() (recorder.SessionInfo, error)
	StopLogging() error
	LoadReplay(path string) (*replay.Session, error)
	LoadPCAP(ctx context.Context, path string, port int) (*replay.Session, error)
	Play() error
	Pause() error
	Seek(index int) error
	SeekTime(offset time.Duration) error
	SetSpeed(multiplier float64) error
	StopReplay()
	SubscribeWithBuffer(n int) (string, <-chan telemetry.Frame)
	Unsubscribe(id string)
}

// Catalog lists recorded sessions. *db.DB implements it.
type Catalog interface {
	ListSessions(limit int) ([]db.Session, error)
	GetSession(id string) (*db.Session, error)
	DeleteSession(id string) error
}

// Config configures a Server.
type Config struct {
	Pipeline Pipeline
	// Catalog is optional; the session endpoints return 404 without it.
	Catalog Catalog
	Metrics *monitoring.Metrics
	// ReplayDirs are the directories replay/load may read from. Relative
	// paths are resolved against the first one.
	ReplayDirs []string
	// PCAPPort is the UDP port extracted from captures when a request does
	// not name one.
	PCAPPort int
	// FS reads session logs for statistics and charts.
	FS fsutil.FileSystem
	// StreamBuffer is the per-client router buffer for /api/stream.
	StreamBuffer int
	// OriginPatterns are extra hosts allowed to open /api/stream from a
	// browser.
	OriginPatterns []string
}

// DefaultSessionLimit is the page size of GET /api/sessions.
const DefaultSessionLimit = 50

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.PCAPPort <= 0 {
		cfg.PCAPPort = network.DefaultPort
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	return &Server{cfg: cfg}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/listen/start", s.post(s.startListening))
	mux.HandleFunc("/api/listen/stop", s.post(s.stopListening))
	mux.HandleFunc("/api/logging/start", s.post(s.startLogging))
	mux.HandleFunc("/api/logging/stop", s.post(s.stopLogging))
	mux.HandleFunc("/api/replay/load", s.post(s.loadReplay))
	mux.HandleFunc("/api/replay/play", s.post(s.control(func() error { return s.cfg.Pipeline.Play() })))
	mux.HandleFunc("/api/replay/pause", s.post(s.control(func() error { return s.cfg.Pipeline.Pause() })))
	mux.HandleFunc("/api/replay/stop", s.post(s.control(func() error { s.cfg.Pipeline.StopReplay(); return nil })))
	mux.HandleFunc("/api/replay/seek", s.post(s.seekReplay))
	mux.HandleFunc("/api/replay/speed", s.post(s.setSpeed))
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/{id}", s.session)
	mux.HandleFunc("/api/sessions/{id}/stats", s.sessionStats)
	mux.HandleFunc("/api/sessions/{id}/chart.png", s.sessionChartPNG)
	mux.HandleFunc("/api/sessions/{id}/chart.html", s.sessionChartHTML)
	mux.HandleFunc("/api/stream", s.streamFrames)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return mux
}

func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h(w, r)
	}
}

// control runs fn and answers with the new status.
func (s *Server) control(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, err)
			return
		}
		writeJSONOK(w, s.cfg.Pipeline.Status())
	}
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSONOK(w, s.cfg.Pipeline.Status())
}

func (s *Server) startListening(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Pipeline.StartListening(); err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, s.cfg.Pipeline.Status())
}

func (s *Server) stopListening(w http.ResponseWriter, r *http.Request) {
	s.control(s.cfg.Pipeline.StopListening)(w, r)
}

func (s *Server) startLogging(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Pipeline.StartLogging(); err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, s.cfg.Pipeline.Status())
}

func (s *Server) stopLogging(w http.ResponseWriter, r *http.Request) {
	s.control(s.cfg.Pipeline.StopLogging)(w, r)
}

type loadRequest struct {
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	PCAP      bool   `json:"pcap"`
	Port      int    `json:"port"`
}

type loadResponse struct {
	Path       string  `json:"path"`
	Frames     int     `json:"frames"`
	Skipped    int     `json:"skipped"`
	DurationMS float64 `json:"duration_ms"`
}

func (s *Server) loadReplay(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	var path string
	switch {
	case req.SessionID != "" && req.Path != "":
		badRequest(w, "path and session_id are exclusive")
		return
	case req.SessionID != "":
		sess, err := s.lookupSession(req.SessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		path = sess.Path
	case req.Path != "":
		resolved, err := security.Resolve(req.Path, s.cfg.ReplayDirs)
		if err != nil {
			writeError(w, err)
			return
		}
		path = resolved
	default:
		badRequest(w, "path or session_id is required")
		return
	}

	var (
		sess *replay.Session
		err  error
	)
	if req.PCAP {
		port := req.Port
		if port <= 0 {
			port = s.cfg.PCAPPort
		}
		sess, err = s.cfg.Pipeline.LoadPCAP(r.Context(), path, port)
	} else {
		sess, err = s.cfg.Pipeline.LoadReplay(path)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, loadResponse{
		Path:       sess.Path,
		Frames:     sess.Len(),
		Skipped:    len(sess.Skipped),
		DurationMS: float64(sess.Duration()) / float64(time.Millisecond),
	})
}

type seekRequest struct {
	Index    *int     `json:"index"`
	OffsetMS *float64 `json:"offset_ms"`
}

func (s *Server) seekReplay(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	var err error
	switch {
	case req.Index != nil && req.OffsetMS != nil:
		badRequest(w, "index and offset_ms are exclusive")
		return
	case req.Index != nil:
		err = s.cfg.Pipeline.Seek(*req.Index)
	case req.OffsetMS != nil:
		err = s.cfg.Pipeline.SeekTime(time.Duration(*req.OffsetMS * float64(time.Millisecond)))
	default:
		badRequest(w, "index or offset_ms is required")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, s.cfg.Pipeline.Status())
}

func (s *Server) setSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Multiplier *float64 `json:"multiplier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Multiplier == nil {
		badRequest(w, "multiplier is required")
		return
	}
	if err := s.cfg.Pipeline.SetSpeed(*req.Multiplier); err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, s.cfg.Pipeline.Status())
}

func (s *Server) lookupSession(id string) (*db.Session, error) {
	if s.cfg.Catalog == nil {
		return nil, db.ErrSessionNotFound
	}
	return s.cfg.Catalog.GetSession(id)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.cfg.Catalog == nil {
		writeJSONOK(w, []db.Session{})
		return
	}
	limit := DefaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.cfg.Catalog.ListSessions(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, sessions)
}

// session returns one catalog entry, or forgets it on DELETE. The log file
// is left on disk.
func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		sess, err := s.lookupSession(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONOK(w, sess)
	case http.MethodDelete:
		sess, err := s.lookupSession(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if sess.Open() {
			writeJSONError(w, http.StatusConflict, "session is still recording")
			return
		}
		if err := s.cfg.Catalog.DeleteSession(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// loadSessionFrames reads the log behind a catalog entry.
func (s *Server) loadSessionFrames(r *http.Request) (*db.Session, *replay.Session, error) {
	sess, err := s.lookupSession(r.PathValue("id"))
	if err != nil {
		return nil, nil, err
	}
	loaded, err := replay.LoadFS(s.cfg.FS, sess.Path)
	if err != nil {
		return nil, nil, err
	}
	return sess, loaded, nil
}

// splitList parses a comma separated query value.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New(key + " must be a boolean")
	}
	return b, nil
}
