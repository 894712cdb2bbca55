package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownLength is returned for datagrams that are neither a
	// standard nor a dashboard packet.
	ErrUnknownLength = errors.New("unknown packet length")
	// ErrInvalidValue is returned when a float channel holds NaN or Inf.
	ErrInvalidValue = errors.New("invalid channel value")
)

// DecodeError describes why a datagram was rejected.
type DecodeError struct {
	Err     error
	Length  int
	Channel string
}

func (e *DecodeError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("decode %d byte packet: %v: %s", e.Length, e.Err, e.Channel)
	}
	return fmt.Sprintf("decode %d byte packet: %v", e.Length, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FormatForLength maps a datagram length to its variant.
func FormatForLength(n int) (PacketFormat, bool) {
	switch n {
	case StandardLength:
		return FormatStandard, true
	case DashboardLength:
		return FormatDashboard, true
	default:
		return 0, false
	}
}

// Decode turns a raw datagram into a frame. It has no side effects and does
// not retain data.
func Decode(data []byte) (Frame, error) {
	format, ok := FormatForLength(len(data))
	if !ok {
		return Frame{}, &DecodeError{Err: ErrUnknownLength, Length: len(data)}
	}

	f := Frame{
		format: format,
		raceOn: int32(binary.LittleEndian.Uint32(data[raceOnOffset:])) != 0,
	}
	for i := range layout {
		spec := &layout[i]
		if spec.DashboardOnly && format != FormatDashboard {
			continue
		}
		v, err := readChannel(data, spec)
		if err != nil {
			return Frame{}, &DecodeError{Err: err, Length: len(data), Channel: spec.Name}
		}
		f.values[i] = v
	}
	return f, nil
}

func readChannel(data []byte, spec *ChannelSpec) (float64, error) {
	b := data[spec.Offset:]
	switch spec.Kind {
	case KindS32:
		return float64(int32(binary.LittleEndian.Uint32(b))), nil
	case KindU32:
		return float64(binary.LittleEndian.Uint32(b)), nil
	case KindF32:
		v := math.Float32frombits(binary.LittleEndian.Uint32(b))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, ErrInvalidValue
		}
		return float64(v), nil
	case KindU16:
		return float64(binary.LittleEndian.Uint16(b)), nil
	case KindU8:
		return float64(b[0]), nil
	case KindS8:
		return float64(int8(b[0])), nil
	default:
		return 0, fmt.Errorf("channel %s has no kind", spec.Name)
	}
}

// Encode is the inverse of Decode for frames built from the channel table.
// It is used by simulators and tests; the undocumented bytes are zero.
func Encode(f Frame) ([]byte, error) {
	n := f.format.Length()
	if n == 0 {
		return nil, fmt.Errorf("cannot encode frame with format %d", f.format)
	}
	buf := make([]byte, n)
	if f.raceOn {
		binary.LittleEndian.PutUint32(buf[raceOnOffset:], 1)
	}
	for i := range layout {
		spec := &layout[i]
		if spec.DashboardOnly && f.format != FormatDashboard {
			continue
		}
		b := buf[spec.Offset:]
		v := f.values[i]
		switch spec.Kind {
		case KindS32:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		case KindU32:
			binary.LittleEndian.PutUint32(b, uint32(v))
		case KindF32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case KindU16:
			binary.LittleEndian.PutUint16(b, uint16(v))
		case KindU8:
			b[0] = uint8(v)
		case KindS8:
			b[0] = uint8(int8(v))
		}
	}
	return buf, nil
}
