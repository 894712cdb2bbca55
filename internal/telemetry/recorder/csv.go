package recorder

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

// Fixed session log columns that precede the channel columns.
const (
	ColSequence   = "sequence"
	ColReceivedAt = "received_at"
	ColMode       = "mode"
	ColFormat     = "format"
	ColIsRaceOn   = "is_race_on"
)

var fixedColumns = []string{ColSequence, ColReceivedAt, ColMode, ColFormat, ColIsRaceOn}

// ErrMissingColumn is returned for a header that lacks a required column.
var ErrMissingColumn = errors.New("missing required column")

// Header returns the session log header row.
func Header() []string {
	return append(append([]string(nil), fixedColumns...), telemetry.ChannelNames()...)
}

// EncodeRecord renders f as one session log row matching Header. Channels
// the frame's format does not carry are written as empty cells.
func EncodeRecord(f telemetry.Frame) []string {
	rec := make([]string, 0, len(fixedColumns)+int(telemetry.NumChannels))
	rec = append(rec,
		strconv.FormatUint(f.Sequence(), 10),
		f.ReceivedAt().UTC().Format(time.RFC3339Nano),
		f.Mode().String(),
		f.Format().String(),
		strconv.FormatBool(f.IsRaceOn()),
	)
	for i, spec := range telemetry.Channels() {
		v, ok := f.Value(telemetry.Channel(i))
		if !ok {
			rec = append(rec, "")
			continue
		}
		rec = append(rec, formatValue(spec.Kind, v))
	}
	return rec
}

// formatValue writes integers in base 10 and f32 values in the shortest form
// that parses back to the same float32.
func formatValue(k telemetry.Kind, v float64) string {
	if k.IsFloat() {
		return strconv.FormatFloat(v, 'g', -1, 32)
	}
	return strconv.FormatInt(int64(v), 10)
}

// RecordDecoder parses rows using the column positions from a header, so
// column order and extra columns do not matter.
type RecordDecoder struct {
	cols     map[string]int
	channels [telemetry.NumChannels]int
	width    int
}

// NewRecordDecoder validates header and returns a decoder for its rows.
func NewRecordDecoder(header []string) (*RecordDecoder, error) {
	d := &RecordDecoder{cols: make(map[string]int, len(header))}
	for i, h := range header {
		d.cols[h] = i
		if i+1 > d.width {
			d.width = i + 1
		}
	}
	for _, name := range fixedColumns {
		if _, ok := d.cols[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	for i, name := range telemetry.ChannelNames() {
		idx, ok := d.cols[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		d.channels[i] = idx
	}
	return d, nil
}

// Decode parses one row into a frame carrying its recorded sequence,
// receive time and mode.
func (d *RecordDecoder) Decode(rec []string) (telemetry.Frame, error) {
	if len(rec) < d.width {
		return telemetry.Frame{}, fmt.Errorf("expected %d fields, got %d", d.width, len(rec))
	}
	field := func(name string) string { return rec[d.cols[name]] }

	seq, err := strconv.ParseUint(field(ColSequence), 10, 64)
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("%s: %w", ColSequence, err)
	}
	receivedAt, err := time.Parse(time.RFC3339Nano, field(ColReceivedAt))
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("%s: %w", ColReceivedAt, err)
	}
	mode, err := telemetry.ParseMode(field(ColMode))
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("%s: %w", ColMode, err)
	}
	format, err := telemetry.ParsePacketFormat(field(ColFormat))
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("%s: %w", ColFormat, err)
	}
	raceOn, err := strconv.ParseBool(field(ColIsRaceOn))
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("%s: %w", ColIsRaceOn, err)
	}

	values := make([]float64, telemetry.NumChannels)
	for i, spec := range telemetry.Channels() {
		if spec.DashboardOnly && format != telemetry.FormatDashboard {
			continue
		}
		s := rec[d.channels[i]]
		bits := 64
		if spec.Kind.IsFloat() {
			bits = 32
		}
		v, err := strconv.ParseFloat(s, bits)
		if err != nil {
			return telemetry.Frame{}, fmt.Errorf("%s: %w", spec.Name, err)
		}
		values[i] = v
	}

	f, err := telemetry.NewFrame(format, raceOn, values)
	if err != nil {
		return telemetry.Frame{}, err
	}
	return f.Stamp(seq, receivedAt, mode), nil
}
