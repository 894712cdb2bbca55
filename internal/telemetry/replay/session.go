package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/fh5telemetry/internal/fsutil"
	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/network"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/recorder"
)

var (
	// ErrCorruptLog means nothing usable could be read from a log.
	ErrCorruptLog = errors.New("corrupt session log")
	// ErrNotFound means the log does not exist.
	ErrNotFound = errors.New("session log not found")
)

// RecordError identifies a log row that could not be parsed.
type RecordError struct {
	Line int
	Err  error
}

func (e RecordError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

// Error is returned by Load. Records lists the rows that failed when the
// log as a whole was rejected.
type Error struct {
	Path    string
	Err     error
	Records []RecordError
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("load %s: %v", e.Path, e.Err)
	if n := len(e.Records); n > 0 {
		msg += fmt.Sprintf(" (%d bad records, first: %v)", n, e.Records[0])
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Session is a loaded log: an ordered, indexable run of frames. Frames keep
// the sequence and receive time they were recorded with; the receive times
// drive playback pacing.
type Session struct {
	Path    string
	Frames  []telemetry.Frame
	Skipped []RecordError
}

// Len is the number of frames.
func (s *Session) Len() int { return len(s.Frames) }

// Duration is the recorded time between the first and last frame.
func (s *Session) Duration() time.Duration {
	if len(s.Frames) < 2 {
		return 0
	}
	return s.Frames[len(s.Frames)-1].ReceivedAt().Sub(s.Frames[0].ReceivedAt())
}

// IndexAt returns the first frame recorded at or after offset from the
// start of the session, clamped to the last frame.
func (s *Session) IndexAt(offset time.Duration) int {
	if len(s.Frames) == 0 {
		return 0
	}
	target := s.Frames[0].ReceivedAt().Add(offset)
	i := sort.Search(len(s.Frames), func(i int) bool {
		return !s.Frames[i].ReceivedAt().Before(target)
	})
	if i == len(s.Frames) {
		i--
	}
	return i
}

// Load reads a session log from disk.
func Load(path string) (*Session, error) {
	return LoadFS(fsutil.OSFileSystem{}, path)
}

// LoadFS reads a session log. Rows that fail to parse are skipped and listed
// in Session.Skipped. A log whose header is unusable, or in which every row
// fails, is rejected with ErrCorruptLog.
func LoadFS(fsys fsutil.FileSystem, path string) (*Session, error) {
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Path: path, Err: ErrNotFound}
		}
		return nil, &Error{Path: path, Err: err}
	}
	defer f.Close()

	s, err := read(path, f)
	if err != nil {
		return nil, err
	}
	if len(s.Skipped) > 0 {
		monitoring.Logf("Loaded %s: %d frames, skipped %d bad records", path, len(s.Frames), len(s.Skipped))
	}
	return s, nil
}

func read(path string, r io.Reader) (*Session, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: empty file", ErrCorruptLog)}
	}
	if err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: header: %v", ErrCorruptLog, err)}
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	dec, err := recorder.NewRecordDecoder(header)
	if err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: %v", ErrCorruptLog, err)}
	}

	s := &Session{Path: path}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, &Error{Path: path, Err: err}
			}
			s.Skipped = append(s.Skipped, RecordError{Line: perr.Line, Err: perr.Err})
			continue
		}
		line, _ := cr.FieldPos(0)
		frame, err := dec.Decode(rec)
		if err != nil {
			s.Skipped = append(s.Skipped, RecordError{Line: line, Err: err})
			continue
		}
		s.Frames = append(s.Frames, frame)
	}

	if len(s.Frames) == 0 && len(s.Skipped) > 0 {
		return nil, &Error{Path: path, Err: ErrCorruptLog, Records: s.Skipped}
	}
	return s, nil
}

// LoadPCAP builds a session from the telemetry datagrams in a packet
// capture. Frames are paced by their capture timestamps.
func LoadPCAP(ctx context.Context, path string, udpPort int) (*Session, error) {
	captured, stats, err := network.ReadPCAPFrames(ctx, path, udpPort)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Path: path, Err: ErrNotFound}
		}
		return nil, &Error{Path: path, Err: err}
	}
	if len(captured) == 0 && stats.DecodeErrors > 0 {
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: no decodable datagrams in %d", ErrCorruptLog, stats.Datagrams)}
	}

	s := &Session{Path: path, Frames: make([]telemetry.Frame, len(captured))}
	for i, c := range captured {
		s.Frames[i] = c.Frame.Stamp(uint64(i+1), c.Timestamp.UTC(), telemetry.ModeLive)
	}
	return s, nil
}
