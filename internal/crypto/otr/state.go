package otr

// State represents the OTR conversation state
type State int

const (
	StatePlaintext State = iota
	StateNegotiating
	StateEncrypted
	StateFinished
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StatePlaintext:
		return "plaintext"
	case StateNegotiating:
		return "negotiating"
	case StateEncrypted:
		return "encrypted"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StatePlaintext:   {StateNegotiating},
	StateNegotiating: {StateEncrypted, StatePlaintext},
	StateEncrypted:   {StateFinished},
	StateFinished:    {StatePlaintext},
}

// CanTransition reports whether the session state machine may move from one
// state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SMPState is the progress of one authentication challenge
type SMPState int

const (
	SMPIdle SMPState = iota
	// SMPAwaitingPeerResponse: we asked, the peer has not answered yet.
	SMPAwaitingPeerResponse
	// SMPAwaitingSecret: the peer asked, the local user must answer.
	SMPAwaitingSecret
	SMPVerifying
	SMPSucceeded
	SMPFailed
)

// String returns the string representation of the SMP state
func (s SMPState) String() string {
	switch s {
	case SMPIdle:
		return "idle"
	case SMPAwaitingPeerResponse:
		return "awaiting-peer-response"
	case SMPAwaitingSecret:
		return "awaiting-secret"
	case SMPVerifying:
		return "verifying"
	case SMPSucceeded:
		return "succeeded"
	case SMPFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outstanding reports whether a challenge in this state is still in flight
func (s SMPState) Outstanding() bool {
	return s == SMPAwaitingPeerResponse || s == SMPAwaitingSecret || s == SMPVerifying
}
