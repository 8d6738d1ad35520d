package reconcile

import (
	apperrors "dots-sync/internal/errors"
)

// FeedState is the connection state of the push feed.
type FeedState int

const (
	StateDisconnected FeedState = iota
	StateConnecting
	StateOpen
	StateErroring
)

func (s FeedState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateErroring:
		return "erroring"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON status documents.
func (s FeedState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the states reachable from each state. Any state may
// move to disconnected on an explicit unsubscribe. A transport that
// reconnects after an error passes through connecting again, or reports
// open directly.
var transitions = map[FeedState][]FeedState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateOpen, StateErroring, StateDisconnected},
	StateOpen:         {StateErroring, StateDisconnected},
	StateErroring:     {StateConnecting, StateOpen, StateDisconnected},
}

// CanTransition reports whether from -> to is a valid feed transition.
func CanTransition(from, to FeedState) bool {
	if from == to {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to FeedState) error {
	if !CanTransition(from, to) {
		return apperrors.NewConflict(apperrors.CodeInvalidTransition,
			"invalid feed transition "+from.String()+" -> "+to.String())
	}
	return nil
}
