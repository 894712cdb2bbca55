// Package chart renders recorded channels as PNG plots and as an
// interactive HTML page.
package chart

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

// ErrNoFrames is returned when there is nothing to draw.
var ErrNoFrames = errors.New("no frames to chart")

// Group is a set of channels drawn on one chart.
type Group struct {
	Name     string
	Channels []string
}

// DefaultGroups mirrors the panels of the telemetry dashboard.
var DefaultGroups = []Group{
	{"Engine", []string{"current_engine_rpm", "engine_max_rpm", "power", "torque", "boost"}},
	{"Speed", []string{"speed", "velocity_x", "velocity_y", "velocity_z"}},
	{"Suspension", []string{"norm_suspension_travel_FL", "norm_suspension_travel_FR", "norm_suspension_travel_RL", "norm_suspension_travel_RR"}},
	{"Controls", []string{"accel", "brake", "clutch", "handbrake", "steer", "gear"}},
	{"Wheels and tires", []string{"tire_slip_ratio_FL", "tire_slip_ratio_FR", "tire_slip_ratio_RL", "tire_slip_ratio_RR", "tire_temp_FL", "tire_temp_FR", "tire_temp_RL", "tire_temp_RR"}},
	{"Position and acceleration", []string{"position_x", "position_y", "position_z", "acceleration_x", "acceleration_y", "acceleration_z"}},
}

// MaxHTMLPoints bounds the samples per series on the HTML page; longer
// sessions are decimated.
const MaxHTMLPoints = 5000

// AssetsHost is where the HTML page loads echarts from. Empty keeps the
// go-echarts default.
var AssetsHost = ""

func lookup(names []string) ([]telemetry.Channel, error) {
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

// xValues returns seconds since the first frame, or the frame index when
// the frames carry no receive times.
func xValues(frames []telemetry.Frame) ([]float64, string) {
	xs := make([]float64, len(frames))
	start := frames[0].ReceivedAt()
	if frames[len(frames)-1].ReceivedAt().Sub(start) <= 0 {
		for i := range xs {
			xs[i] = float64(i)
		}
		return xs, "Frame"
	}
	for i, f := range frames {
		xs[i] = f.ReceivedAt().Sub(start).Seconds()
	}
	return xs, "Time (s)"
}

// PNGOptions controls RenderPNG. Zero sizes use 14x6 inches.
type PNGOptions struct {
	Title  string
	Width  vg.Length
	Height vg.Length
}

// RenderPNG draws the named channels against time as a single PNG.
func RenderPNG(w io.Writer, frames []telemetry.Frame, channels []string, o PNGOptions) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	chans, err := lookup(channels)
	if err != nil {
		return err
	}
	if o.Width == 0 {
		o.Width = 14 * vg.Inch
	}
	if o.Height == 0 {
		o.Height = 6 * vg.Inch
	}

	xs, xLabel := xValues(frames)

	p := plot.New()
	p.Title.Text = o.Title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "Value"

	colors := generateColors(len(chans))
	for i, c := range chans {
		pts := make(plotter.XYs, 0, len(frames))
		for j, f := range frames {
			if v, ok := f.Value(c); ok {
				pts = append(pts, plotter.XY{X: xs[j], Y: v})
			}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(c.Name(), line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(o.Width, o.Height, "png")
	if err != nil {
		return fmt.Errorf("render png: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// RenderHTML writes a page with one line chart per group.
func RenderHTML(w io.Writer, frames []telemetry.Frame, title string, groups []Group) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	if len(groups) == 0 {
		groups = DefaultGroups
	}

	stride := 1
	if len(frames) > MaxHTMLPoints {
		stride = (len(frames) + MaxHTMLPoints - 1) / MaxHTMLPoints
	}
	xs, xLabel := xValues(frames)
	labels := make([]string, 0, len(frames)/stride+1)
	for i := 0; i < len(frames); i += stride {
		labels = append(labels, strconv.FormatFloat(xs[i], 'f', 2, 64))
	}

	page := components.NewPage()
	page.PageTitle = title
	if AssetsHost != "" {
		page.SetAssetsHost(AssetsHost)
	}

	for _, g := range groups {
		chans, err := lookup(g.Channels)
		if err != nil {
			return fmt.Errorf("group %s: %w", g.Name, err)
		}

		line := charts.NewLine()
		initOpts := opts.Initialization{Width: "100%", Height: "420px"}
		if AssetsHost != "" {
			initOpts.AssetsHost = AssetsHost
		}
		line.SetGlobalOptions(
			charts.WithInitializationOpts(initOpts),
			charts.WithTitleOpts(opts.Title{Title: g.Name, Subtitle: title}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
			charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
			charts.WithXAxisOpts(opts.XAxis{Name: xLabel, NameLocation: "middle", NameGap: 25}),
		)
		line.SetXAxis(labels)

		for _, c := range chans {
			data := make([]opts.LineData, 0, len(labels))
			for i := 0; i < len(frames); i += stride {
				if v, ok := frames[i].Value(c); ok {
					data = append(data, opts.LineData{Value: v})
				} else {
					data = append(data, opts.LineData{Value: "-"})
				}
			}
			line.AddSeries(c.Name(), data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
		}
		page.AddCharts(line)
	}

	return page.Render(w)
}

// generateColors spreads n hues evenly around the colour wheel.
func generateColors(n int) []color.Color {
	colors := make([]color.Color, n)
	for i := range colors {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.45)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	default:
		return p
	}
}
