// Package framemux fans decoded telemetry frames out to a dynamic set of
// subscribers. Frames enter either from the live receive queue (Drain) or
// from the replay engine (Publish); the mux stamps each one with a sequence
// number, receive time and mode exactly once before delivery.
package framemux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry"
	"github.com/banshee-data/fh5telemetry/internal/timeutil"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("framemux: closed")

// DefaultBufferSize is the per-subscriber channel capacity used by Subscribe.
const DefaultBufferSize = 64

// Sink is a subscriber that consumes frames synchronously on the delivery
// path. Consume must return quickly; slow sinks hand off internally.
type Sink interface {
	Consume(telemetry.Frame) error
}

// Publisher is the entry point used by frame producers.
type Publisher interface {
	Publish(f telemetry.Frame, mode telemetry.Mode) (telemetry.Frame, error)
}

// Stats is a snapshot of the mux counters.
type Stats struct {
	Published       uint64 `json:"published"`
	LastSequence    uint64 `json:"last_sequence"`
	Subscribers     int    `json:"subscribers"`
	Sinks           int    `json:"sinks"`
	SubscriberDrops uint64 `json:"subscriber_drops"`
	SinkErrors      uint64 `json:"sink_errors"`
}

type subscriber struct {
	ch      chan telemetry.Frame
	dropped atomic.Uint64
}

type namedSink struct {
	name string
	sink Sink
}

// Mux is the sample router.
type Mux struct {
	clock      timeutil.Clock
	bufferSize int

	// publishMu serialises stamping and delivery so every subscriber sees
	// frames in sequence order.
	publishMu sync.Mutex
	seq       uint64

	subscriberMu sync.Mutex
	subscribers  map[string]*subscriber
	sinks        []namedSink
	closing      bool

	published       atomic.Uint64
	lastSeq         atomic.Uint64
	subscriberDrops atomic.Uint64
	sinkErrors      atomic.Uint64
}

// Option configures a Mux.
type Option func(*Mux)

// WithClock sets the clock used for receive timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(m *Mux) { m.clock = c }
}

// WithBufferSize sets the default per-subscriber capacity.
func WithBufferSize(n int) Option {
	return func(m *Mux) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// New creates an empty Mux.
func New(opts ...Option) *Mux {
	m := &Mux{
		clock:       timeutil.RealClock{},
		bufferSize:  DefaultBufferSize,
		subscribers: make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a channel subscriber with the default buffer size. The
// ID identifies the subscription when unsubscribing.
func (m *Mux) Subscribe() (string, <-chan telemetry.Frame) {
	return m.SubscribeWithBuffer(m.bufferSize)
}

// SubscribeWithBuffer registers a channel subscriber holding up to n frames.
// When the buffer is full the oldest buffered frame is discarded for that
// subscriber only. After Close the returned channel is already closed.
func (m *Mux) SubscribeWithBuffer(n int) (string, <-chan telemetry.Frame) {
	if n < 1 {
		n = 1
	}
	id := randomID()
	sub := &subscriber{ch: make(chan telemetry.Frame, n)}

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.closing {
		close(sub.ch)
		return id, sub.ch
	}
	m.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Mux) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if sub, ok := m.subscribers[id]; ok {
		close(sub.ch)
		delete(m.subscribers, id)
	}
}

// Dropped reports how many frames subscriber id has lost to overflow.
func (m *Mux) Dropped(id string) uint64 {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if sub, ok := m.subscribers[id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Attach registers a synchronous sink under name, replacing any sink with
// the same name. Sinks are called in attach order.
func (m *Mux) Attach(name string, s Sink) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for i := range m.sinks {
		if m.sinks[i].name == name {
			m.sinks[i].sink = s
			return
		}
	}
	m.sinks = append(m.sinks, namedSink{name: name, sink: s})
}

// Detach removes the sink registered under name.
func (m *Mux) Detach(name string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for i := range m.sinks {
		if m.sinks[i].name == name {
			m.sinks = append(m.sinks[:i], m.sinks[i+1:]...)
			return
		}
	}
}

// Publish stamps f with the next sequence number, the current time and mode,
// then delivers it to every sink and subscriber. The stamped frame is
// returned. Publish never blocks on a subscriber.
func (m *Mux) Publish(f telemetry.Frame, mode telemetry.Mode) (telemetry.Frame, error) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.subscriberMu.Lock()
	if m.closing {
		m.subscriberMu.Unlock()
		return telemetry.Frame{}, ErrClosed
	}
	sinks := append([]namedSink(nil), m.sinks...)
	m.subscriberMu.Unlock()

	m.seq++
	stamped := f.Stamp(m.seq, m.clock.Now(), mode)

	for _, s := range sinks {
		m.consume(s, stamped)
	}

	m.subscriberMu.Lock()
	for _, sub := range m.subscribers {
		m.offer(sub, stamped)
	}
	m.subscriberMu.Unlock()

	m.published.Add(1)
	m.lastSeq.Store(m.seq)
	return stamped, nil
}

// offer must be called with subscriberMu held; it is the only sender on
// sub.ch, so after evicting one frame the second send cannot fail.
func (m *Mux) offer(sub *subscriber, f telemetry.Frame) {
	select {
	case sub.ch <- f:
		return
	default:
	}
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		m.subscriberDrops.Add(1)
	default:
	}
	select {
	case sub.ch <- f:
	default:
	}
}

func (m *Mux) consume(s namedSink, f telemetry.Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.sinkErrors.Add(1)
			monitoring.Logf("framemux: sink %s panicked on frame %d: %v", s.name, f.Sequence(), r)
		}
	}()
	if err := s.sink.Consume(f); err != nil {
		m.sinkErrors.Add(1)
		monitoring.Logf("framemux: sink %s failed on frame %d: %v", s.name, f.Sequence(), err)
	}
}

// Drain publishes every frame received on in as a live frame until in is
// closed or ctx is done.
func (m *Mux) Drain(ctx context.Context, in <-chan telemetry.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := m.Publish(f, telemetry.ModeLive); err != nil {
				return err
			}
		}
	}
}

// Stats returns a snapshot of the mux counters.
func (m *Mux) Stats() Stats {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	return Stats{
		Published:       m.published.Load(),
		LastSequence:    m.lastSeq.Load(),
		Subscribers:     len(m.subscribers),
		Sinks:           len(m.sinks),
		SubscriberDrops: m.subscriberDrops.Load(),
		SinkErrors:      m.sinkErrors.Load(),
	}
}

// Close closes every subscriber channel. Later Publish calls fail with
// ErrClosed. Close is idempotent.
func (m *Mux) Close() error {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.closing {
		return nil
	}
	m.closing = true
	for id, sub := range m.subscribers {
		close(sub.ch)
		delete(m.subscribers, id)
	}
	m.sinks = nil
	return nil
}

// AttachAdminRoutes serves mux counters and a server-sent event tail of
// frames under /debug/.
func (m *Mux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("frames", "router counters and subscribers", func(w http.ResponseWriter, r *http.Request) {
		m.subscriberMu.Lock()
		drops := make(map[string]uint64, len(m.subscribers))
		for id, sub := range m.subscribers {
			drops[id] = sub.dropped.Load()
		}
		m.subscriberMu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"stats":            m.Stats(),
			"subscriber_drops": drops,
		})
	})

	// Server-Side Events (SSE) for each frame the router delivers.
	debug.HandleSilentFunc("frames-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case f, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", f); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
