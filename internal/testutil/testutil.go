// Package testutil provides shared test utilities and fixtures.
//
// Packet builders write values at literal byte offsets so tests that use
// them check the channel table rather than repeat it.
package testutil

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// PacketBuilder assembles a raw datagram.
type PacketBuilder struct {
	buf []byte
}

// NewStandardPacket returns a zeroed 232 byte sled packet.
func NewStandardPacket() *PacketBuilder {
	return &PacketBuilder{buf: make([]byte, telemetry.StandardLength)}
}

// NewDashboardPacket returns a zeroed 324 byte dash packet.
func NewDashboardPacket() *PacketBuilder {
	return &PacketBuilder{buf: make([]byte, telemetry.DashboardLength)}
}

func (b *PacketBuilder) RaceOn(on bool) *PacketBuilder {
	v := uint32(0)
	if on {
		v = 1
	}
	binary.LittleEndian.PutUint32(b.buf[0:], v)
	return b
}

func (b *PacketBuilder) F32(offset int, v float32) *PacketBuilder {
	binary.LittleEndian.PutUint32(b.buf[offset:], math.Float32bits(v))
	return b
}

func (b *PacketBuilder) F32Bits(offset int, bits uint32) *PacketBuilder {
	binary.LittleEndian.PutUint32(b.buf[offset:], bits)
	return b
}

func (b *PacketBuilder) S32(offset int, v int32) *PacketBuilder {
	binary.LittleEndian.PutUint32(b.buf[offset:], uint32(v))
	return b
}

func (b *PacketBuilder) U32(offset int, v uint32) *PacketBuilder {
	binary.LittleEndian.PutUint32(b.buf[offset:], v)
	return b
}

func (b *PacketBuilder) U16(offset int, v uint16) *PacketBuilder {
	binary.LittleEndian.PutUint16(b.buf[offset:], v)
	return b
}

func (b *PacketBuilder) U8(offset int, v uint8) *PacketBuilder {
	b.buf[offset] = v
	return b
}

func (b *PacketBuilder) S8(offset int, v int8) *PacketBuilder {
	b.buf[offset] = uint8(v)
	return b
}

// Bytes returns a copy of the datagram.
func (b *PacketBuilder) Bytes() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// SampleFrame returns a deterministic frame whose channels all hold
// distinct, in-range values derived from seed.
func SampleFrame(t testing.TB, format telemetry.PacketFormat, seed int) telemetry.Frame {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(seed)))
	values := make([]float64, telemetry.NumChannels)
	for i, spec := range telemetry.Channels() {
		switch spec.Kind {
		case telemetry.KindF32:
			values[i] = float64(float32(rng.NormFloat64() * 1000))
		case telemetry.KindS32:
			values[i] = float64(rng.Int31n(200000) - 100000)
		case telemetry.KindU32:
			values[i] = float64(rng.Uint32())
		case telemetry.KindU16:
			values[i] = float64(rng.Intn(math.MaxUint16 + 1))
		case telemetry.KindU8:
			values[i] = float64(rng.Intn(math.MaxUint8 + 1))
		case telemetry.KindS8:
			values[i] = float64(rng.Intn(256) - 128)
		}
	}
	f, err := telemetry.NewFrame(format, seed%7 != 0, values)
	if err != nil {
		t.Fatalf("build sample frame: %v", err)
	}
	return f
}

// SampleDatagram encodes SampleFrame.
func SampleDatagram(t testing.TB, format telemetry.PacketFormat, seed int) []byte {
	t.Helper()
	data, err := telemetry.Encode(SampleFrame(t, format, seed))
	if err != nil {
		t.Fatalf("encode sample frame: %v", err)
	}
	return data
}

// GarbageDatagrams returns n random payloads whose lengths are never a valid
// packet length.
func GarbageDatagrams(rng *rand.Rand, n int) [][]byte {
	out := make([][]byte, 0, n)
	for len(out) < n {
		size := rng.Intn(1500)
		if _, ok := telemetry.FormatForLength(size); ok {
			continue
		}
		b := make([]byte, size)
		rng.Read(b)
		out = append(out, b)
	}
	return out
}
