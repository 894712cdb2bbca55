// Command session-stats summarises a recorded session log (or a packet
// capture) per channel and optionally renders charts of it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/fh5telemetry/internal/telemetry/chart"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/network"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/replay"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/stats"
)

type options struct {
	input    string
	pcap     bool
	port     int
	raceOnly bool
	channels []string
	jsonOut  bool
	pngOut   string
	htmlOut  string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("session-stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		o        options
		channels string
	)
	fs.BoolVar(&o.pcap, "pcap", false, "Input is a pcap/pcapng capture rather than a session log")
	fs.IntVar(&o.port, "port", network.DefaultPort, "UDP port to extract from captures")
	fs.BoolVar(&o.raceOnly, "race-only", false, "Only use frames sent while racing")
	fs.StringVar(&channels, "channels", "", "Comma separated channel names (default: all)")
	fs.BoolVar(&o.jsonOut, "json", false, "Print the summary as JSON")
	fs.StringVar(&o.pngOut, "png", "", "Write a PNG plot of the selected channels (default: engine group)")
	fs.StringVar(&o.htmlOut, "html", "", "Write an interactive HTML chart page")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: session-stats [flags] session.csv\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return o, fmt.Errorf("expected one input file, got %d", fs.NArg())
	}
	o.input = fs.Arg(0)
	for _, c := range strings.Split(channels, ",") {
		if c = strings.TrimSpace(c); c != "" {
			o.channels = append(o.channels, c)
		}
	}
	return o, nil
}

func load(ctx context.Context, o options) (*replay.Session, error) {
	if o.pcap {
		return replay.LoadPCAP(ctx, o.input, o.port)
	}
	return replay.Load(o.input)
}

func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	s, err := load(ctx, o)
	if err != nil {
		return err
	}
	if n := len(s.Skipped); n > 0 {
		fmt.Fprintf(stderr, "warning: skipped %d bad records (first: %v)\n", n, s.Skipped[0])
	}

	sum, err := stats.Compute(s.Frames, stats.Options{RaceOnly: o.raceOnly, Channels: o.channels})
	if err != nil {
		return err
	}
	if o.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
	} else if err := sum.WriteTable(stdout); err != nil {
		return err
	}

	title := filepath.Base(o.input)
	if o.pngOut != "" {
		channels := o.channels
		if len(channels) == 0 {
			channels = chart.DefaultGroups[0].Channels
		}
		if err := writeFile(o.pngOut, func(w io.Writer) error {
			return chart.RenderPNG(w, s.Frames, channels, chart.PNGOptions{Title: title})
		}); err != nil {
			return fmt.Errorf("png: %w", err)
		}
	}
	if o.htmlOut != "" {
		if err := writeFile(o.htmlOut, func(w io.Writer) error {
			return chart.RenderHTML(w, s.Frames, title, nil)
		}); err != nil {
			return fmt.Errorf("html: %w", err)
		}
	}
	return nil
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}
