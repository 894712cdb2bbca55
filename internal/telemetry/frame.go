// Package telemetry holds the decoded telemetry sample, the datagram channel
// table and the decoder that turns raw datagrams into frames.
package telemetry

import (
	"fmt"
	"math"
	"time"
)

// Mode says where a frame came from once it has entered the router.
type Mode uint8

const (
	ModeUnset Mode = iota
	ModeLive
	ModeReplay
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeReplay:
		return "replay"
	default:
		return "unset"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "live":
		return ModeLive, nil
	case "replay":
		return ModeReplay, nil
	case "unset", "":
		return ModeUnset, nil
	default:
		return ModeUnset, fmt.Errorf("unknown mode %q", s)
	}
}

// Frame is one decoded sample. Frames are passed by value and have no
// exported fields, so every holder has its own copy and nothing downstream
// can alter what the decoder produced. Sequence, receive time and mode are
// zero until the router stamps the frame.
type Frame struct {
	seq        uint64
	receivedAt time.Time
	mode       Mode
	format     PacketFormat
	raceOn     bool
	values     [NumChannels]float64
}

// NewFrame builds a frame from channel values in table order. values must
// hold NumChannels entries; entries for channels the format does not carry
// are ignored and stored as zero.
func NewFrame(format PacketFormat, raceOn bool, values []float64) (Frame, error) {
	if format != FormatStandard && format != FormatDashboard {
		return Frame{}, fmt.Errorf("invalid packet format %d", format)
	}
	if len(values) != int(NumChannels) {
		return Frame{}, fmt.Errorf("expected %d channel values, got %d", NumChannels, len(values))
	}
	f := Frame{format: format, raceOn: raceOn}
	for i, v := range values {
		c := Channel(i)
		if !format.Has(c) {
			continue
		}
		nv, ok := normalize(layout[i].Kind, v)
		if !ok {
			return Frame{}, &DecodeError{Err: ErrInvalidValue, Length: format.Length(), Channel: c.Name()}
		}
		f.values[i] = nv
	}
	return f, nil
}

// normalize brings v to the precision of the wire kind so that a frame built
// by hand is indistinguishable from one produced by Decode.
func normalize(k Kind, v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if k == KindF32 {
		f := float32(v)
		if math.IsInf(float64(f), 0) {
			return 0, false
		}
		return float64(f), true
	}
	if v != math.Trunc(v) {
		return 0, false
	}
	var lo, hi float64
	switch k {
	case KindS32:
		lo, hi = math.MinInt32, math.MaxInt32
	case KindU32:
		lo, hi = 0, math.MaxUint32
	case KindU16:
		lo, hi = 0, math.MaxUint16
	case KindU8:
		lo, hi = 0, math.MaxUint8
	case KindS8:
		lo, hi = math.MinInt8, math.MaxInt8
	default:
		return 0, false
	}
	return v, v >= lo && v <= hi
}

// Stamp returns a copy of f carrying the router-assigned fields.
func (f Frame) Stamp(seq uint64, receivedAt time.Time, mode Mode) Frame {
	f.seq = seq
	f.receivedAt = receivedAt
	f.mode = mode
	return f
}

// Sequence is the router-assigned ordinal.
func (f Frame) Sequence() uint64 { return f.seq }

// ReceivedAt is the time the frame entered the router.
func (f Frame) ReceivedAt() time.Time { return f.receivedAt }

// Mode reports whether the frame is live or replayed.
func (f Frame) Mode() Mode { return f.mode }

// Format is the datagram variant the frame was decoded from.
func (f Frame) Format() PacketFormat { return f.format }

// IsRaceOn is false while the car is not being simulated (menus, pause).
// Channel values are still present but not meaningful.
func (f Frame) IsRaceOn() bool { return f.raceOn }

// HasDashboard reports whether dashboard-only channels are present.
func (f Frame) HasDashboard() bool { return f.format == FormatDashboard }

// Value returns the value of c and whether the frame's format carries it.
func (f Frame) Value(c Channel) (float64, bool) {
	if !f.format.Has(c) {
		return 0, false
	}
	return f.values[c], true
}

// Float returns the value of c, or zero when the format does not carry it.
func (f Frame) Float(c Channel) float64 {
	v, _ := f.Value(c)
	return v
}

// Values returns a copy of all channel values in table order.
func (f Frame) Values() []float64 {
	out := make([]float64, NumChannels)
	copy(out, f.values[:])
	return out
}

// SameSample reports whether two frames carry identical decoded content,
// ignoring the router-assigned fields.
func (f Frame) SameSample(o Frame) bool {
	return f.format == o.format && f.raceOn == o.raceOn && f.values == o.values
}

func (f Frame) EngineRPM() float64 { return f.values[CurrentEngineRPM] }

// Speed is in metres per second; zero for standard frames.
func (f Frame) Speed() float64 { return f.Float(Speed) }

// Throttle is the raw 0..255 accelerator position.
func (f Frame) Throttle() float64 { return f.Float(Accel) }

// Brake is the raw 0..255 brake position.
func (f Frame) Brake() float64 { return f.Float(Brake) }

// Steer is the raw -127..127 steering input.
func (f Frame) Steer() float64 { return f.Float(Steer) }

func (f Frame) Position() (x, y, z float64) {
	return f.Float(PositionX), f.Float(PositionY), f.Float(PositionZ)
}

func (f Frame) Velocity() (x, y, z float64) {
	return f.values[VelocityX], f.values[VelocityY], f.values[VelocityZ]
}

func (f Frame) String() string {
	return fmt.Sprintf("frame seq=%d mode=%s format=%s race_on=%t rpm=%.0f",
		f.seq, f.mode, f.format, f.raceOn, f.EngineRPM())
}
