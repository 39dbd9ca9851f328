package buffer

import (
	"errors"
	"sync"

	"github.com/obsidianstack/lumberjack/pkg/types"
)

// ErrClosed is returned by Add once the buffer has been sealed.
var ErrClosed = errors.New("buffer: closed")

// Buffer is a bounded FIFO of events. It is safe for concurrent use.
type Buffer struct {
	mu        sync.Mutex
	space     *sync.Cond // signalled when events are detached or the buffer seals
	events    []types.Event
	flushSize int
	capacity  int
	sealed    bool
	ready     chan struct{} // cap 1; a pending value means "a full batch is waiting"
}

// New returns an empty buffer. capacity is raised to flushSize if smaller.
func New(flushSize, capacity int) *Buffer {
	if flushSize < 1 {
		flushSize = 1
	}
	if capacity < flushSize {
		capacity = flushSize
	}
	b := &Buffer{
		events:    make([]types.Event, 0, flushSize),
		flushSize: flushSize,
		capacity:  capacity,
		ready:     make(chan struct{}, 1),
	}
	b.space = sync.NewCond(&b.mu)
	return b
}

// Add appends ev. It blocks while the buffer is at capacity and returns
// ErrClosed if the buffer is (or becomes) sealed.
func (b *Buffer) Add(ev types.Event) error {
	b.mu.Lock()
	for !b.sealed && len(b.events) >= b.capacity {
		b.space.Wait()
	}
	if b.sealed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.events = append(b.events, ev)
	full := len(b.events) >= b.flushSize
	b.mu.Unlock()

	if full {
		b.notify()
	}
	return nil
}

// Ready fires when at least flush_size events are buffered.
func (b *Buffer) Ready() <-chan struct{} { return b.ready }

// Flush detaches up to flush_size events from the front. Below the threshold
// it returns nil unless force is set. It returns nil when the buffer is empty.
func (b *Buffer) Flush(force bool) []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detach(force)
}

// Drain behaves like Flush(true) but seals the buffer in the same critical
// section when it finds it empty, so no event can slip in after the final
// batch was taken.
func (b *Buffer) Drain() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.detach(true)
	if batch == nil {
		b.seal()
	}
	return batch
}

// Close seals the buffer without detaching anything. Blocked producers wake
// up and receive ErrClosed. Events already buffered stay for Flush and Drain.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.seal()
	b.mu.Unlock()
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Sealed reports whether Add will reject new events.
func (b *Buffer) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// detach must be called with mu held.
func (b *Buffer) detach(force bool) []types.Event {
	n := len(b.events)
	if n == 0 || (n < b.flushSize && !force) {
		return nil
	}
	if n > b.flushSize {
		n = b.flushSize
	}

	batch := make([]types.Event, n)
	copy(batch, b.events[:n])

	rest := copy(b.events, b.events[n:])
	for i := rest; i < len(b.events); i++ {
		b.events[i] = types.Event{}
	}
	b.events = b.events[:rest]

	if len(b.events) >= b.flushSize {
		b.notify()
	}
	b.space.Broadcast()
	return batch
}

func (b *Buffer) seal() {
	if b.sealed {
		return
	}
	b.sealed = true
	b.space.Broadcast()
}

func (b *Buffer) notify() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
