package router

import "sync"

// Egress is a destination's unbounded outbound queue of raw frame bytes.
// The router is the only sender; only the endpoint worker that owns this
// Egress receives from it, via Out(). A background pump goroutine drains
// an internal growable queue into a small handoff channel so consumers can
// select between Out() and their own cancellation signal without ever
// forcing the router's non-blocking TrySend to wait on a slow reader
// (spec.md §5's unbounded-plus-drop-on-failure model).
type Egress struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool

	out chan []byte
}

// NewEgress creates an open, empty egress queue and starts its pump.
func NewEgress() *Egress {
	e := &Egress{out: make(chan []byte)}
	e.cond = sync.NewCond(&e.mu)
	go e.pump()
	return e
}

// TrySend enqueues frame for delivery without blocking. It returns false if
// the egress has already been closed, which the router counts as a drop.
func (e *Egress) TrySend(frame []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}

	e.queue = append(e.queue, frame)
	e.cond.Signal()
	return true
}

// Out returns the channel the owning worker receives frames from, in FIFO
// order. The channel is closed once Close has been called and every
// already-queued frame has been delivered.
func (e *Egress) Out() <-chan []byte { return e.out }

// Recv is a convenience blocking receive equivalent to <-e.Out(), used by
// workers that don't need to select on a separate cancellation signal.
func (e *Egress) Recv() (frame []byte, ok bool) {
	frame, ok = <-e.out
	return frame, ok
}

// Close marks the egress permanently closed and wakes the pump so it can
// drain any remaining frames and close Out(). Any frames enqueued after
// Close is called are abandoned (spec.md §4.2); Close itself is idempotent.
func (e *Egress) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.cond.Broadcast()
}

func (e *Egress) pump() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			close(e.out)
			return
		}

		frame := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.out <- frame
	}
}
