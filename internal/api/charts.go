package api

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/banshee-data/fh5telemetry/internal/security"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/chart"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/stats"
)

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	raceOnly, err := parseBool(r, "race_only")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	_, loaded, err := s.loadSessionFrames(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := stats.Compute(loaded.Frames, stats.Options{
		RaceOnly: raceOnly,
		Channels: splitList(r.URL.Query().Get("channels")),
	})
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSONOK(w, sum)
}

func downloadName(path, ext string) string {
	return security.SanitizeFilename(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))) + ext
}

// sessionChartPNG plots ?channels= (default: the engine group).
func (s *Server) sessionChartPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sess, loaded, err := s.loadSessionFrames(r)
	if err != nil {
		writeError(w, err)
		return
	}
	channels := splitList(r.URL.Query().Get("channels"))
	if len(channels) == 0 {
		channels = chart.DefaultGroups[0].Channels
	}

	// Render into a buffer so a failure can still be reported as JSON.
	var buf bytes.Buffer
	if err := chart.RenderPNG(&buf, loaded.Frames, channels, chart.PNGOptions{Title: filepath.Base(sess.Path)}); err != nil {
		if strings.Contains(err.Error(), "unknown channel") {
			badRequest(w, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", downloadName(sess.Path, ".png")))
	w.Write(buf.Bytes())
}

func (s *Server) sessionChartHTML(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sess, loaded, err := s.loadSessionFrames(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := chart.RenderHTML(&buf, loaded.Frames, filepath.Base(sess.Path), chart.DefaultGroups); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
