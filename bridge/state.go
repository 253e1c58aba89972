package bridge

import (
	"sync/atomic"

	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/metrics"
)

// ListenerState tracks where one account's IDLE connection is in its
// lifecycle: Disconnected -> Connecting -> Ready -> Listening, bouncing
// between Listening and Busy while events are handled, and back to
// Disconnected on any error.
type ListenerState int32

const (
	StateDisconnected ListenerState = iota
	StateConnecting
	StateReady
	StateListening
	StateBusy
)

func (s ListenerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// stateMachine is a small atomic wrapper so the sweep loop can observe a
// listener's state without locking.
type stateMachine struct {
	accountID int64
	state     atomic.Int32
}

func (m *stateMachine) current() ListenerState {
	return ListenerState(m.state.Load())
}

func (m *stateMachine) transition(to ListenerState) {
	from := ListenerState(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.BridgeStateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	logger.Debug("Bridge listener state change", "account_id", m.accountID, "from", from.String(), "to", to.String())
}
