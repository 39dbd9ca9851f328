package shipper

import "fmt"

// State is the delivery worker's position in its send cycle.
type State int32

const (
	Idle State = iota
	Connecting
	Sending
	AwaitingAck
	Acked
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Sending:
		return "sending"
	case AwaitingAck:
		return "awaiting_ack"
	case Acked:
		return "acked"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
