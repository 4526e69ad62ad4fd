package otr

import (
	"github.com/meszmate/ircotr/internal/events"
)

// Notifier receives session notifications. *events.Bus implements it.
type Notifier interface {
	Publish(event events.Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(events.Event) {}

// StateChange is the payload of events.EventSessionStateChanged
type StateChange struct {
	Local string
	Peer  string
	Old   State
	New   State
}

// SMPQuestion is the payload of events.EventSMPQuestion. Question is empty
// when the peer asked without one.
type SMPQuestion struct {
	Local    string
	Peer     string
	Question string
}

// SMPResult is the payload of events.EventSMPResult
type SMPResult struct {
	Local     string
	Peer      string
	Succeeded bool
	Reason    string
}

// KeyGeneration is the payload of the key generation events. Err is only
// set on events.EventKeyGenerationFinished.
type KeyGeneration struct {
	Account string
	Err     error
}

// ProtocolError is the payload of events.EventProtocolError
type ProtocolError struct {
	Local string
	Peer  string
	Err   error
}
