package shipper

import (
	"fmt"

	"github.com/obsidianstack/lumberjack/pkg/types"
)

type ackResult int

const (
	ackStale   ackResult = iota // below the window, left over from an earlier send
	ackPartial                  // a prefix of the window was accepted
	ackFull                     // the whole window was accepted
	ackBeyond                   // names a sequence the window never used
)

// pendingWindow is the batch in flight: events numbered first, first+1, ...
// Acknowledged events are removed from the front, so the window never holds
// a sequence at or below the last ack of the current session.
type pendingWindow struct {
	first  uint32
	events []types.Event
}

func (w *pendingWindow) set(events []types.Event) {
	w.first = 0
	w.events = events
}

func (w *pendingWindow) len() int { return len(w.events) }

// last returns the sequence of the final event. Only valid once numbered.
func (w *pendingWindow) last() uint32 {
	return w.first + uint32(len(w.events)) - 1
}

// ack applies a cumulative acknowledgment and reports how many events it
// released.
func (w *pendingWindow) ack(seq uint32) (ackResult, int) {
	if len(w.events) == 0 || seq < w.first {
		return ackStale, 0
	}
	if seq > w.last() {
		return ackBeyond, 0
	}
	n := int(seq-w.first) + 1
	w.events = w.events[n:]
	w.first = seq + 1
	if len(w.events) == 0 {
		w.events = nil
		return ackFull, n
	}
	return ackPartial, n
}

func (w *pendingWindow) String() string {
	if len(w.events) == 0 {
		return "[]"
	}
	return fmt.Sprintf("[%d, %d]", w.first, w.last())
}
