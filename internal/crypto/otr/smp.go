package otr

import (
	"fmt"

	"github.com/meszmate/ircotr/internal/events"
)

// smpChallenge tracks the single authentication exchange a conversation may
// have in flight. seq identifies the exchange so stale timeouts are ignored.
type smpChallenge struct {
	state     SMPState
	seq       uint64
	question  string
	initiator bool
}

type opInitiateSMP struct {
	secret   Secret
	question string
	errCh    chan error
}

type opRespondSMP struct {
	secret Secret
	errCh  chan error
}

type opAbortSMP struct {
	errCh chan error
}

type opSMPTimeout struct {
	seq uint64
}

func (c *conversation) setSMP(s smpChallenge) {
	c.mu.Lock()
	c.smp = s
	c.mu.Unlock()
}

func (c *conversation) setSMPState(state SMPState) {
	c.mu.Lock()
	c.smp.state = state
	c.mu.Unlock()
}

func (c *conversation) handleInitiateSMP(o *opInitiateSMP) {
	defer o.secret.wipe()

	if c.state != StateEncrypted {
		reply(o.errCh, ErrSessionNotEncrypted)
		return
	}
	if c.smp.state.Outstanding() {
		reply(o.errCh, ErrChallengeInProgress)
		return
	}

	msgs, err := c.engine.StartSMP(o.question, o.secret)
	if err != nil {
		c.log.Warn("failed to start authentication", "err", err)
		reply(o.errCh, fmt.Errorf("otr: start authentication: %w", err))
		return
	}

	c.setSMP(smpChallenge{
		state:     SMPAwaitingPeerResponse,
		seq:       c.smp.seq + 1,
		question:  o.question,
		initiator: true,
	})
	c.startSMPTimer()
	c.send(msgs)
	c.drainEvents()
	c.log.Info("authentication started")
	reply(o.errCh, nil)
}

func (c *conversation) handleRespondSMP(o *opRespondSMP) {
	defer o.secret.wipe()

	if c.state != StateEncrypted {
		reply(o.errCh, ErrSessionNotEncrypted)
		return
	}
	if c.smp.state != SMPAwaitingSecret {
		reply(o.errCh, ErrNoChallengePending)
		return
	}

	msgs, err := c.engine.RespondSMP(o.secret)
	if err != nil {
		reply(o.errCh, fmt.Errorf("otr: answer authentication: %w", err))
		return
	}
	c.setSMPState(SMPVerifying)
	c.send(msgs)
	c.drainEvents()
	reply(o.errCh, nil)
}

func (c *conversation) handleAbortSMP(o *opAbortSMP) {
	if !c.smp.state.Outstanding() {
		reply(o.errCh, ErrNoChallengePending)
		return
	}
	c.abortEngineSMP()
	c.finishSMP(false, "aborted")
	reply(o.errCh, nil)
}

func (c *conversation) handleSMPTimeout(o *opSMPTimeout) {
	if o.seq != c.smp.seq || !c.smp.state.Outstanding() {
		return
	}
	c.abortEngineSMP()
	c.finishSMP(false, fmt.Sprintf("timed out after %s", c.m.smpTimeout))
}

func (c *conversation) handleSMPEvent(event SMPEvent, question string) {
	switch event {
	case SMPEventAskForSecret:
		// The peer's challenge replaces any outstanding one, ours included.
		c.finishSMP(false, "superseded by the peer's challenge")
		c.setSMP(smpChallenge{
			state:    SMPAwaitingSecret,
			seq:      c.smp.seq + 1,
			question: question,
		})
		c.startSMPTimer()
		c.m.notifier.Publish(events.Event{
			Type: events.EventSMPQuestion,
			Data: SMPQuestion{Local: c.local, Peer: c.peer, Question: question},
		})
	case SMPEventInProgress:
		if c.smp.state == SMPAwaitingPeerResponse {
			c.setSMPState(SMPVerifying)
		}
	case SMPEventSuccess:
		c.finishSMP(true, "")
	case SMPEventFailure:
		c.finishSMP(false, "secrets do not match")
	case SMPEventCheated:
		c.finishSMP(false, "peer cheated")
	case SMPEventAbort:
		c.finishSMP(false, "aborted by peer")
	case SMPEventError:
		c.finishSMP(false, "protocol error")
	}
}

func (c *conversation) finishSMP(succeeded bool, reason string) {
	if !c.smp.state.Outstanding() {
		return
	}
	c.stopSMPTimer()

	state := SMPFailed
	if succeeded {
		state = SMPSucceeded
		c.markVerified()
	}
	c.setSMPState(state)

	c.log.Info("authentication finished", "succeeded", succeeded, "reason", reason)
	c.m.notifier.Publish(events.Event{
		Type: events.EventSMPResult,
		Data: SMPResult{Local: c.local, Peer: c.peer, Succeeded: succeeded, Reason: reason},
	})
}

func (c *conversation) markVerified() {
	c.mu.Lock()
	fp := append([]byte(nil), c.fingerprint...)
	c.mu.Unlock()

	if c.m.trust != nil && len(fp) > 0 {
		if err := c.m.trust.SetFingerprintVerified(c.local, c.peer, fp, true); err != nil {
			c.log.Error("failed to save verified fingerprint", "err", err)
		}
	}
	c.mu.Lock()
	c.verified = true
	c.mu.Unlock()
}

// resetSMP forgets the outcome of a previous session's exchange.
func (c *conversation) resetSMP() {
	c.stopSMPTimer()
	c.setSMP(smpChallenge{state: SMPIdle, seq: c.smp.seq + 1})
}

// cancelSMP drops an outstanding challenge without reporting a result, used
// when the session itself goes away.
func (c *conversation) cancelSMP() {
	if !c.smp.state.Outstanding() {
		return
	}
	c.resetSMP()
}

func (c *conversation) abortEngineSMP() {
	if c.engine == nil || c.state != StateEncrypted {
		return
	}
	msgs, err := c.engine.AbortSMP()
	if err != nil {
		c.log.Warn("engine failed to abort authentication", "err", err)
	}
	c.send(msgs)
}

func (c *conversation) startSMPTimer() {
	seq := c.smp.seq
	c.stopSMPTimer()
	c.smpTimer = c.m.clock.AfterFunc(c.m.smpTimeout, func() {
		_ = c.push(&opSMPTimeout{seq: seq})
	})
}

func (c *conversation) stopSMPTimer() {
	if c.smpTimer != nil {
		c.smpTimer.Stop()
		c.smpTimer = nil
	}
}
