package peerconn

// State is the Peer Connection state machine of spec §4.2.
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateAnswerSent
	StateICEGathering
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerSent:
		return "answer-sent"
	case StateICEGathering:
		return "ice-gathering"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role distinguishes which side created the offer (spec §4.2).
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// terminal reports whether a state is terminal (no further transitions).
func (s State) terminal() bool {
	return s == StateClosed
}

// nonViable reports whether a state is a candidate for reclamation by the
// Connection Manager's periodic cleanup (spec §4.3).
func (s State) nonViable() bool {
	switch s {
	case StateFailed, StateDisconnected, StateClosed:
		return true
	default:
		return false
	}
}

// validTransition reports whether the state machine of spec §4.2 permits
// moving from `from` to `to`.
func validTransition(from, to State) bool {
	if from == to {
		return false
	}
	if from.terminal() {
		return false
	}
	switch to {
	case StateFailed, StateClosed:
		return true // any non-terminal state can fail/close (timeout, explicit close)
	}
	switch from {
	case StateNew:
		return to == StateOfferSent || to == StateAnswerSent
	case StateOfferSent:
		return to == StateICEGathering
	case StateAnswerSent:
		return to == StateICEGathering
	case StateICEGathering:
		return to == StateConnected
	case StateConnected:
		return to == StateDisconnected
	case StateDisconnected:
		return to == StateClosed
	case StateFailed:
		return to == StateClosed
	default:
		return false
	}
}
