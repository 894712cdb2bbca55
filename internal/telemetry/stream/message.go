package stream

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/units"
)

// Message is the external view of a frame, shared by the gRPC stream and
// the websocket API.
type Message struct {
	Sequence   uint64             `json:"sequence"`
	ReceivedAt time.Time          `json:"received_at"`
	Mode       string             `json:"mode"`
	Format     string             `json:"format"`
	IsRaceOn   bool               `json:"is_race_on"`
	Channels   map[string]float64 `json:"channels"`
}

// Filter selects which frames and channels a subscriber receives.
type Filter struct {
	Channels []telemetry.Channel // nil means every channel
	RaceOnly bool
	// Units, when set, converts values to dashboard units with speed in
	// the named unit. Empty sends wire values.
	Units string
}

// NewFilter resolves channel names. Unknown names are an error.
func NewFilter(names []string, raceOnly bool) (Filter, error) {
	f := Filter{RaceOnly: raceOnly}
	for _, name := range names {
		c, ok := telemetry.ChannelByName(name)
		if !ok {
			return Filter{}, fmt.Errorf("unknown channel %q", name)
		}
		f.Channels = append(f.Channels, c)
	}
	return f, nil
}

// WithUnits returns a copy of f that converts values for display.
func (f Filter) WithUnits(u string) (Filter, error) {
	if u != "" && !units.IsValid(u) {
		return Filter{}, fmt.Errorf("unknown units %q, want one of %s", u, units.GetValidUnitsString())
	}
	f.Units = u
	return f, nil
}

func (f Filter) value(fr telemetry.Frame, c telemetry.Channel) (float64, bool) {
	v, ok := fr.Value(c)
	if ok && f.Units != "" {
		v = units.Display(c, v, f.Units)
	}
	return v, ok
}

// Accept reports whether fr passes the filter.
func (f Filter) Accept(fr telemetry.Frame) bool {
	return !f.RaceOnly || fr.IsRaceOn()
}

// NewMessage converts fr, keeping only the channels selected by f that the
// frame's format carries.
func NewMessage(fr telemetry.Frame, f Filter) Message {
	m := Message{
		Sequence:   fr.Sequence(),
		ReceivedAt: fr.ReceivedAt(),
		Mode:       fr.Mode().String(),
		Format:     fr.Format().String(),
		IsRaceOn:   fr.IsRaceOn(),
	}
	if f.Channels == nil {
		m.Channels = make(map[string]float64, telemetry.NumChannels)
		for i := telemetry.Channel(0); i < telemetry.NumChannels; i++ {
			if v, ok := f.value(fr, i); ok {
				m.Channels[i.Name()] = v
			}
		}
		return m
	}
	m.Channels = make(map[string]float64, len(f.Channels))
	for _, c := range f.Channels {
		if v, ok := f.value(fr, c); ok {
			m.Channels[c.Name()] = v
		}
	}
	return m
}

func (m Message) toStruct() *structpb.Struct {
	channels := make(map[string]*structpb.Value, len(m.Channels))
	for name, v := range m.Channels {
		channels[name] = structpb.NewNumberValue(v)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"sequence":    structpb.NewNumberValue(float64(m.Sequence)),
		"received_at": structpb.NewStringValue(m.ReceivedAt.UTC().Format(time.RFC3339Nano)),
		"mode":        structpb.NewStringValue(m.Mode),
		"format":      structpb.NewStringValue(m.Format),
		"is_race_on":  structpb.NewBoolValue(m.IsRaceOn),
		"channels":    structpb.NewStructValue(&structpb.Struct{Fields: channels}),
	}}
}

func messageFromStruct(s *structpb.Struct) (Message, error) {
	fields := s.GetFields()
	m := Message{
		Sequence: uint64(fields["sequence"].GetNumberValue()),
		Mode:     fields["mode"].GetStringValue(),
		Format:   fields["format"].GetStringValue(),
		IsRaceOn: fields["is_race_on"].GetBoolValue(),
	}
	if ts := fields["received_at"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Message{}, fmt.Errorf("received_at: %w", err)
		}
		m.ReceivedAt = t
	}
	channels := fields["channels"].GetStructValue().GetFields()
	m.Channels = make(map[string]float64, len(channels))
	for name, v := range channels {
		m.Channels[name] = v.GetNumberValue()
	}
	return m, nil
}
