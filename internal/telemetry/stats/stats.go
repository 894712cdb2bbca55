// Package stats summarises the channels of a recorded session.
package stats

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

// Options selects the frames and channels to summarise.
type Options struct {
	// RaceOnly skips frames sent while the car was not being simulated.
	RaceOnly bool
	// Channels limits the summary to the named channels; empty means all.
	Channels []string
}

// ChannelStats describes one channel over the selected frames. Count is the
// number of frames that carry the channel; the other fields are zero when
// Count is zero.
type ChannelStats struct {
	Channel string  `json:"channel"`
	Count   int     `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
}

// Summary is the result of Compute.
type Summary struct {
	Frames       int            `json:"frames"`
	RaceOnFrames int            `json:"race_on_frames"`
	Selected     int            `json:"selected_frames"`
	Duration     time.Duration  `json:"duration_ns"`
	Channels     []ChannelStats `json:"channels"`
}

// Compute summarises frames. Channels are reported in table order.
func Compute(frames []telemetry.Frame, opts Options) (Summary, error) {
	channels, err := selectChannels(opts.Channels)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Frames: len(frames)}
	if len(frames) > 1 {
		sum.Duration = frames[len(frames)-1].ReceivedAt().Sub(frames[0].ReceivedAt())
	}

	selected := make([]telemetry.Frame, 0, len(frames))
	for _, f := range frames {
		if f.IsRaceOn() {
			sum.RaceOnFrames++
		} else if opts.RaceOnly {
			continue
		}
		selected = append(selected, f)
	}
	sum.Selected = len(selected)

	values := make([]float64, 0, len(selected))
	for _, c := range channels {
		values = values[:0]
		for _, f := range selected {
			if v, ok := f.Value(c); ok {
				values = append(values, v)
			}
		}
		sum.Channels = append(sum.Channels, describe(c.Name(), values))
	}
	return sum, nil
}

func describe(name string, x []float64) ChannelStats {
	cs := ChannelStats{Channel: name, Count: len(x)}
	if len(x) == 0 {
		return cs
	}
	cs.Min = floats.Min(x)
	cs.Max = floats.Max(x)
	if len(x) == 1 {
		cs.Mean = x[0]
		return cs
	}
	cs.Mean, cs.StdDev = stat.MeanStdDev(x, nil)
	return cs
}

func selectChannels(names []string) ([]telemetry.Channel, error) {
	if len(names) == 0 {
		out := make([]telemetry.Channel, telemetry.NumChannels)
		for i := range out {
			out[i] = telemetry.Channel(i)
		}
		return out, nil
	}
	out := make([]telemetry.Channel, 0, len(names))
	for _, name := range names {
		c, ok := telemetry.ChannelByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown channel %q", name)
		}
		out = append(out, c)
	}
	return out, nil
}

// Channel returns the stats for the named channel.
func (s Summary) Channel(name string) (ChannelStats, bool) {
	for _, cs := range s.Channels {
		if cs.Channel == name {
			return cs, true
		}
	}
	return ChannelStats{}, false
}

// WriteTable prints the summary as an aligned text table.
func (s Summary) WriteTable(w io.Writer) error {
	fmt.Fprintf(w, "frames: %d  race on: %d  selected: %d  duration: %s\n\n",
		s.Frames, s.RaceOnFrames, s.Selected, s.Duration)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "channel\tcount\tmin\tmax\tmean\tstddev\t")
	for _, cs := range s.Channels {
		if cs.Count == 0 {
			fmt.Fprintf(tw, "%s\t0\t-\t-\t-\t-\t\n", cs.Channel)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%.4g\t%.4g\t%.4g\t%.4g\t\n",
			cs.Channel, cs.Count, cs.Min, cs.Max, cs.Mean, cs.StdDev)
	}
	return tw.Flush()
}
