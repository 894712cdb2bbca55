package stats

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

var t0 = time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)

func frame(t *testing.T, format telemetry.PacketFormat, raceOn bool, at time.Duration, set map[telemetry.Channel]float64) telemetry.Frame {
	t.Helper()
	values := make([]float64, telemetry.NumChannels)
	for c, v := range set {
		values[c] = v
	}
	f, err := telemetry.NewFrame(format, raceOn, values)
	require.NoError(t, err)
	return f.Stamp(1, t0.Add(at), telemetry.ModeLive)
}

func TestCompute(t *testing.T) {
	frames := []telemetry.Frame{
		frame(t, telemetry.FormatDashboard, true, 0, map[telemetry.Channel]float64{telemetry.Speed: 10, telemetry.CurrentEngineRPM: 1000}),
		frame(t, telemetry.FormatDashboard, true, 16*time.Millisecond, map[telemetry.Channel]float64{telemetry.Speed: 20, telemetry.CurrentEngineRPM: 3000}),
		frame(t, telemetry.FormatStandard, true, 32*time.Millisecond, map[telemetry.Channel]float64{telemetry.CurrentEngineRPM: 5000}),
		frame(t, telemetry.FormatDashboard, false, 48*time.Millisecond, map[telemetry.Channel]float64{telemetry.Speed: 90, telemetry.CurrentEngineRPM: 800}),
	}

	sum, err := Compute(frames, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Frames)
	assert.Equal(t, 3, sum.RaceOnFrames)
	assert.Equal(t, 4, sum.Selected)
	assert.Equal(t, 48*time.Millisecond, sum.Duration)
	assert.Len(t, sum.Channels, int(telemetry.NumChannels))

	speed, ok := sum.Channel("speed")
	require.True(t, ok)
	assert.Equal(t, 3, speed.Count, "standard frames do not carry speed")
	assert.Equal(t, 10.0, speed.Min)
	assert.Equal(t, 90.0, speed.Max)
	assert.InDelta(t, 40.0, speed.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(1900), speed.StdDev, 1e-9)

	sum, err = Compute(frames, Options{RaceOnly: true, Channels: []string{"current_engine_rpm", "speed"}})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Selected)
	require.Len(t, sum.Channels, 2)
	rpm := sum.Channels[0]
	assert.Equal(t, "current_engine_rpm", rpm.Channel)
	assert.Equal(t, 3, rpm.Count)
	assert.InDelta(t, 3000.0, rpm.Mean, 1e-9)
	assert.InDelta(t, 2000.0, rpm.StdDev, 1e-9)
	assert.Equal(t, 2, sum.Channels[1].Count)
}

func TestCompute_EdgeCases(t *testing.T) {
	sum, err := Compute(nil, Options{Channels: []string{"speed"}})
	require.NoError(t, err)
	assert.Equal(t, ChannelStats{Channel: "speed"}, sum.Channels[0])

	one := []telemetry.Frame{frame(t, telemetry.FormatDashboard, true, 0, map[telemetry.Channel]float64{telemetry.Gear: 3})}
	sum, err = Compute(one, Options{Channels: []string{"gear"}})
	require.NoError(t, err)
	assert.Equal(t, ChannelStats{Channel: "gear", Count: 1, Min: 3, Max: 3, Mean: 3}, sum.Channels[0])

	_, err = Compute(one, Options{Channels: []string{"torque_nm"}})
	assert.ErrorContains(t, err, "torque_nm")
}

func TestWriteTable(t *testing.T) {
	frames := []telemetry.Frame{
		frame(t, telemetry.FormatStandard, true, 0, map[telemetry.Channel]float64{telemetry.CurrentEngineRPM: 2500}),
	}
	sum, err := Compute(frames, Options{Channels: []string{"current_engine_rpm", "speed"}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, sum.WriteTable(&buf))
	out := buf.String()
	assert.Contains(t, out, "frames: 1")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[3], "current_engine_rpm")
	assert.Contains(t, lines[3], "2500")
	assert.Contains(t, lines[4], "-")
}
