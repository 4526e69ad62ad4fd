package otr3engine

import (
	"github.com/coyim/otr3"

	"github.com/meszmate/ircotr/internal/crypto/otr"
)

type conversation struct {
	c      *otr3.Conversation
	events otr.EngineEvents
}

func (c *conversation) Start() ([]string, error) {
	return []string{string(c.c.QueryMessage())}, nil
}

func (c *conversation) Send(plaintext string) ([]string, error) {
	msgs, err := c.c.Send(otr3.ValidMessage(plaintext))
	return toStrings(msgs), err
}

func (c *conversation) Receive(payload string) (string, []string, error) {
	plain, toSend, err := c.c.Receive(otr3.ValidMessage(payload))
	return string(plain), toStrings(toSend), err
}

func (c *conversation) End() ([]string, error) {
	msgs, err := c.c.End()
	return toStrings(msgs), err
}

func (c *conversation) IsEncrypted() bool {
	return c.c.IsEncrypted()
}

func (c *conversation) StartSMP(question string, secret []byte) ([]string, error) {
	msgs, err := c.c.StartAuthenticate(question, secret)
	return toStrings(msgs), err
}

func (c *conversation) RespondSMP(secret []byte) ([]string, error) {
	msgs, err := c.c.ProvideAuthenticationSecret(secret)
	return toStrings(msgs), err
}

// AbortSMP sends nothing; the peer's exchange expires on its side.
// TODO: send an SMP abort TLV once otr3 exports a way to build one.
func (c *conversation) AbortSMP() ([]string, error) {
	return nil, nil
}

func (c *conversation) PeerFingerprint() []byte {
	key := c.c.GetTheirKey()
	if key == nil {
		return nil
	}
	return key.Fingerprint()
}

// HandleSecurityEvent implements otr3.SecurityEventHandler
func (c *conversation) HandleSecurityEvent(event otr3.SecurityEvent) {
	switch event {
	case otr3.GoneSecure:
		c.events.SecurityChanged(otr.SecurityGoneSecure)
	case otr3.GoneInsecure:
		c.events.SecurityChanged(otr.SecurityGoneInsecure)
	case otr3.StillSecure:
		c.events.SecurityChanged(otr.SecurityStillSecure)
	}
}

// HandleSMPEvent implements otr3.SMPEventHandler
func (c *conversation) HandleSMPEvent(event otr3.SMPEvent, _ int, question string) {
	switch event {
	case otr3.SMPEventAskForSecret, otr3.SMPEventAskForAnswer:
		c.events.SMP(otr.SMPEventAskForSecret, question)
	case otr3.SMPEventInProgress:
		c.events.SMP(otr.SMPEventInProgress, "")
	case otr3.SMPEventSuccess:
		c.events.SMP(otr.SMPEventSuccess, "")
	case otr3.SMPEventFailure:
		c.events.SMP(otr.SMPEventFailure, "")
	case otr3.SMPEventCheated:
		c.events.SMP(otr.SMPEventCheated, "")
	case otr3.SMPEventAbort:
		c.events.SMP(otr.SMPEventAbort, "")
	case otr3.SMPEventError:
		c.events.SMP(otr.SMPEventError, "")
	}
}

func toStrings(msgs []otr3.ValidMessage) []string {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m)
	}
	return out
}
