package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/recorder"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/stats"
	"github.com/banshee-data/fh5telemetry/internal/testutil"
)

var t0 = time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)

func writeLog(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry_data_20260502_183000.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := csv.NewWriter(f)
	require.NoError(t, w.Write(recorder.Header()))
	for i := 1; i <= n; i++ {
		fr := testutil.SampleFrame(t, telemetry.FormatDashboard, i).
			Stamp(uint64(i), t0.Add(time.Duration(i)*16*time.Millisecond), telemetry.ModeLive)
		require.NoError(t, w.Write(recorder.EncodeRecord(fr)))
	}
	w.Flush()
	require.NoError(t, w.Error())
	return path
}

func TestRun_Table(t *testing.T) {
	path := writeLog(t, 10)
	var stdout, stderr bytes.Buffer

	require.NoError(t, run(context.Background(), []string{"-channels", "speed,gear", path}, &stdout, &stderr))
	out := stdout.String()
	assert.Contains(t, out, "frames: 10  race on: 9  selected: 10")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5, out)
	assert.Contains(t, lines[3], "speed")
	assert.Contains(t, lines[4], "gear")
	assert.Empty(t, stderr.String())
}

func TestRun_JSONAndCharts(t *testing.T) {
	path := writeLog(t, 8)
	dir := t.TempDir()
	png := filepath.Join(dir, "engine.png")
	html := filepath.Join(dir, "session.html")
	var stdout, stderr bytes.Buffer

	require.NoError(t, run(context.Background(),
		[]string{"-json", "-race-only", "-png", png, "-html", html, path}, &stdout, &stderr))

	var sum stats.Summary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &sum))
	assert.Equal(t, 8, sum.Frames)
	assert.Equal(t, 7, sum.Selected)
	assert.Len(t, sum.Channels, int(telemetry.NumChannels))

	data, err := os.ReadFile(png)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
	data, err = os.ReadFile(html)
	require.NoError(t, err)
	assert.Contains(t, string(data), "telemetry_data_20260502_183000.csv")
}

func TestRun_PCAP(t *testing.T) {
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })

	capture := filepath.Join(t.TempDir(), "drive.pcap")
	testutil.WriteCapture(t, capture, 5607, t0, 16*time.Millisecond,
		testutil.SampleDatagram(t, telemetry.FormatDashboard, 1),
		testutil.SampleDatagram(t, telemetry.FormatDashboard, 2),
		testutil.SampleDatagram(t, telemetry.FormatDashboard, 3),
	)
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-pcap", "-channels", "speed", capture}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "frames: 3")
}

func TestRun_Errors(t *testing.T) {
	path := writeLog(t, 3)
	var stdout, stderr bytes.Buffer

	assert.Error(t, run(context.Background(), nil, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"-channels", "warp", path}, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{filepath.Join(t.TempDir(), "none.csv")}, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"-png", filepath.Join(t.TempDir(), "x.png"), "-channels", "speed,warp", path}, &stdout, &stderr))
}
