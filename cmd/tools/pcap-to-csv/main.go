// Command pcap-to-csv converts a packet capture of telemetry traffic into a
// session log that the service can replay.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/network"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/recorder"
)

type options struct {
	input  string
	output string
	port   int
	force  bool
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("pcap-to-csv", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.output, "out", "", "Output session log (default: input name with .csv)")
	fs.IntVar(&o.port, "port", network.DefaultPort, "UDP destination port of the telemetry stream (0 = any)")
	fs.BoolVar(&o.force, "force", false, "Overwrite the output file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: pcap-to-csv [flags] capture.pcap[ng]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return o, fmt.Errorf("expected one capture file, got %d", fs.NArg())
	}
	o.input = fs.Arg(0)
	if o.output == "" {
		o.output = strings.TrimSuffix(o.input, filepath.Ext(o.input)) + ".csv"
	}
	return o, nil
}

// convert writes the decoded frames of the capture as a session log.
// Frames are numbered from 1 and stamped with their capture time.
func convert(ctx context.Context, o options, w io.Writer) (network.CaptureStats, error) {
	frames, stats, err := network.ReadPCAPFrames(ctx, o.input, o.port)
	if err != nil {
		return stats, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(recorder.Header()); err != nil {
		return stats, err
	}
	for i, cf := range frames {
		f := cf.Frame.Stamp(uint64(i+1), cf.Timestamp, telemetry.ModeLive)
		if err := cw.Write(recorder.EncodeRecord(f)); err != nil {
			return stats, err
		}
	}
	cw.Flush()
	return stats, cw.Error()
}

func run(ctx context.Context, args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if o.force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(o.output, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	stats, err := convert(ctx, o, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(o.output)
		return fmt.Errorf("convert %s: %w", o.input, err)
	}
	log.Printf("%s: %d packets, %d telemetry datagrams, %d frames written to %s, %d undecodable",
		o.input, stats.Packets, stats.Datagrams, stats.Decoded, o.output, stats.DecodeErrors)
	return nil
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
