package network

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

// FrameQueue is the bounded hop between the listener and the router. Push
// never blocks: when the queue is full the oldest unconsumed frame is
// evicted so the freshest data survives.
type FrameQueue struct {
	ch      chan telemetry.Frame
	mu      sync.Mutex // serialises producers against Close
	closed  bool
	dropped atomic.Uint64
}

// NewFrameQueue creates a queue holding up to capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{ch: make(chan telemetry.Frame, capacity)}
}

// Push enqueues f, evicting the oldest frame if the queue is full. It reports
// whether a frame was evicted. Push after Close is a no-op.
func (q *FrameQueue) Push(f telemetry.Frame) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	for {
		select {
		case q.ch <- f:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			evicted = true
			q.dropped.Add(1)
		default:
			// the consumer freed a slot in the meantime
		}
	}
}

// C is the consumer side. It is closed by Close once the producer is done.
func (q *FrameQueue) C() <-chan telemetry.Frame { return q.ch }

// Len is the number of buffered frames.
func (q *FrameQueue) Len() int { return len(q.ch) }

// Cap is the queue capacity.
func (q *FrameQueue) Cap() int { return cap(q.ch) }

// Dropped is the number of frames evicted so far.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }

// Close closes the producer side. Buffered frames remain readable.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
