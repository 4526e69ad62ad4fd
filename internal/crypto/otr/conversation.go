package otr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"

	"github.com/meszmate/ircotr/internal/events"
)

type op interface{}

type opEncrypt struct {
	text   string
	policy Policy
	cb     Callback
}

type opDecrypt struct {
	text   string
	policy Policy
	cb     Callback
}

type opBegin struct{}

type opEnd struct {
	done chan struct{}
}

type opVerify struct {
	verified bool
	errCh    chan error
}

type opKeyReady struct {
	req uint64
	key []byte
	err error
}

type opNegotiationTimeout struct {
	epoch uint64
}

type pendingEncode struct {
	text string
	cb   Callback
}

type engineEvent struct {
	isSMP    bool
	security SecurityEvent
	smp      SMPEvent
	question string
}

// engineHooks queues engine callbacks; they are applied once the engine
// call that raised them has returned.
type engineHooks struct {
	c *conversation
}

func (h engineHooks) SecurityChanged(event SecurityEvent) {
	h.c.events = append(h.c.events, engineEvent{security: event})
}

func (h engineHooks) SMP(event SMPEvent, question string) {
	h.c.events = append(h.c.events, engineEvent{isSMP: true, smp: event, question: question})
}

// conversation is the session state machine for one (local, peer) pair. All
// fields below mu are owned by the worker goroutine.
type conversation struct {
	m     *Manager
	local string
	peer  string
	log   *log.Logger

	box      mailbox
	haltCh   chan struct{}
	haltOnce sync.Once
	workerID atomic.Uint64

	mu          sync.Mutex
	state       State
	smp         smpChallenge
	fingerprint []byte
	verified    bool

	policy         Policy
	engine         EngineConversation
	key            []byte
	epoch          uint64
	negTimer       *clock.Timer
	smpTimer       *clock.Timer
	startWhenReady bool
	pending        []pendingEncode
	inbound        []string
	events         []engineEvent

	keyPending bool
	keyReq     uint64
	keyCancel  context.CancelFunc
}

func newConversation(m *Manager, local, peer string) *conversation {
	return &conversation{
		m:      m,
		local:  local,
		peer:   peer,
		log:    m.log.With("local", local, "peer", peer),
		box:    mailbox{signal: make(chan struct{}, 1)},
		haltCh: make(chan struct{}),
		state:  StatePlaintext,
		policy: m.authority.PolicyFor(local, peer),
	}
}

func (c *conversation) push(o op) error {
	if !c.box.push(o) {
		return ErrClosed
	}
	return nil
}

func (c *conversation) halt() {
	c.haltOnce.Do(func() {
		c.box.close()
		close(c.haltCh)
	})
}

func (c *conversation) await(done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-c.haltCh:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// onWorker reports whether the caller runs on c's goroutine, that is inside
// a callback or event handler c is delivering. Waiting there would never
// end.
func (c *conversation) onWorker() bool {
	id := c.workerID.Load()
	return id != 0 && id == goroutineID()
}

func (c *conversation) awaitErr(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-c.haltCh:
		select {
		case err := <-errCh:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *conversation) worker() {
	defer c.m.wg.Done()
	defer c.shutdown()
	c.workerID.Store(goroutineID())

	for {
		select {
		case <-c.haltCh:
			return
		case <-c.box.signal:
		}

		for _, o := range c.box.drain() {
			select {
			case <-c.haltCh:
				return
			default:
			}
			c.handle(o)
		}
	}
}

func (c *conversation) shutdown() {
	c.box.close()
	c.stopNegotiationTimer()
	c.stopSMPTimer()
	c.cancelKeyRequest()
	c.pending = nil
	c.inbound = nil
	c.log.Debug("session destroyed")
}

func (c *conversation) handle(o op) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("otr: engine panic: %v", r)
			c.log.Error("recovered from panic", "err", err)
			c.fail(o, err)
		}
	}()

	switch o := o.(type) {
	case *opEncrypt:
		c.handleEncrypt(o)
	case *opDecrypt:
		c.handleDecrypt(o)
	case *opBegin:
		c.startNegotiation()
	case *opEnd:
		c.handleEnd(o)
	case *opVerify:
		c.handleVerify(o)
	case *opInitiateSMP:
		c.handleInitiateSMP(o)
	case *opRespondSMP:
		c.handleRespondSMP(o)
	case *opAbortSMP:
		c.handleAbortSMP(o)
	case *opKeyReady:
		c.handleKeyReady(o)
	case *opNegotiationTimeout:
		c.handleNegotiationTimeout(o)
	case *opSMPTimeout:
		c.handleSMPTimeout(o)
	default:
		c.log.Error("unknown op", "op", fmt.Sprintf("%T", o))
	}
	c.drainEvents()
}

// fail reports err to whoever waits on o after a panic.
func (c *conversation) fail(o op, err error) {
	switch o := o.(type) {
	case *opEncrypt:
		o.cb(Result{Status: StatusBlocked, Err: err})
	case *opDecrypt:
		o.cb(Result{Status: StatusDecryptionFailed, Err: fmt.Errorf("%w: %v", ErrDecryptionFailed, err)})
	case *opEnd:
		closeOnce(o.done)
	case *opVerify:
		reply(o.errCh, err)
	case *opInitiateSMP:
		reply(o.errCh, err)
	case *opRespondSMP:
		reply(o.errCh, err)
	case *opAbortSMP:
		reply(o.errCh, err)
	}
	if c.state == StateNegotiating {
		c.failNegotiation(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
	}
}

func (c *conversation) snapshot() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionInfo{
		Local:       c.local,
		Peer:        c.peer,
		State:       c.state,
		SMPState:    c.smp.state,
		SMPQuestion: c.smp.question,
		Fingerprint: append([]byte(nil), c.fingerprint...),
		Verified:    c.verified,
	}
}

// transition moves the state machine, refusing anything not in the
// transition table.
func (c *conversation) transition(to State) bool {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		c.log.Error("refusing state transition", "from", from, "to", to)
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.log.Info("session state changed", "from", from, "to", to)
	c.m.notifier.Publish(events.Event{
		Type: events.EventSessionStateChanged,
		Data: StateChange{Local: c.local, Peer: c.peer, Old: from, New: to},
	})
	return true
}

func (c *conversation) publishError(err error) {
	c.m.notifier.Publish(events.Event{
		Type: events.EventProtocolError,
		Data: ProtocolError{Local: c.local, Peer: c.peer, Err: err},
	})
}

func (c *conversation) send(msgs []string) {
	if len(msgs) == 0 {
		return
	}
	if c.m.transport == nil {
		c.log.Warn("no transport configured, dropping protocol messages", "count", len(msgs))
		return
	}
	for _, msg := range msgs {
		c.m.transport.SendProtocolMessage(c.local, c.peer, msg)
	}
}

func (c *conversation) drainEvents() {
	for len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]

		if ev.isSMP {
			c.handleSMPEvent(ev.smp, ev.question)
			continue
		}
		switch ev.security {
		case SecurityGoneSecure:
			c.becomeEncrypted()
		case SecurityGoneInsecure:
			c.becomeFinished()
		case SecurityStillSecure:
			c.log.Debug("session refreshed")
		}
	}
}

func (c *conversation) handleEncrypt(o *opEncrypt) {
	c.policy = o.policy

	switch c.state {
	case StateEncrypted:
		c.sendEncrypted(o.text, o.cb)

	case StateNegotiating:
		if o.policy == PolicyAlwaysEncrypt {
			c.pending = append(c.pending, pendingEncode{text: o.text, cb: o.cb})
			return
		}
		o.cb(Result{Text: o.text, Status: StatusNotYetEncrypted})

	case StateFinished:
		if o.policy == PolicyAlwaysEncrypt {
			o.cb(Result{Status: StatusBlocked, Err: fmt.Errorf("%w: conversation was ended", ErrEncryptionRequired)})
			return
		}
		c.transition(StatePlaintext)
		o.cb(Result{Text: o.text, Status: StatusPlaintext})

	case StatePlaintext:
		switch {
		case o.policy == PolicyAlwaysEncrypt:
			c.pending = append(c.pending, pendingEncode{text: o.text, cb: o.cb})
			c.startNegotiation()
		case o.policy.startsNegotiation():
			c.startNegotiation()
			status := StatusPlaintext
			if c.state == StateNegotiating {
				status = StatusNotYetEncrypted
			}
			o.cb(Result{Text: o.text, Status: status})
		default:
			o.cb(Result{Text: o.text, Status: StatusPlaintext})
		}
	}
}

func (c *conversation) sendEncrypted(text string, cb Callback) {
	msgs, err := c.engine.Send(text)
	if err != nil {
		cb(Result{Status: StatusBlocked, Err: fmt.Errorf("otr: encrypt: %w", err)})
		return
	}
	if len(msgs) == 0 {
		cb(Result{Status: StatusBlocked, Err: errors.New("otr: engine produced no message")})
		return
	}
	cb(Result{Text: msgs[0], WasEncrypted: true, Status: StatusEncrypted})
	c.send(msgs[1:])
}

func (c *conversation) handleDecrypt(o *opDecrypt) {
	c.policy = o.policy

	switch kind := c.m.engine.Classify(o.text); kind {
	case KindPlain:
		c.receivePlain(o)
	case KindData:
		c.receiveData(o)
	case KindError:
		c.receiveError(o)
	default:
		c.receiveControl(o.text, kind, o.cb)
	}
}

func (c *conversation) receivePlain(o *opDecrypt) {
	text := o.text
	if c.engineIfReady() {
		plain, toSend, err := c.engine.Receive(o.text)
		if err == nil {
			text = plain
		}
		c.send(toSend)
		if c.state == StatePlaintext && len(toSend) > 0 {
			// A whitespace tag started a key exchange.
			c.enterNegotiating()
		}
		c.drainEvents()
	}
	o.cb(Result{Text: text, Status: StatusPlaintext})
}

func (c *conversation) receiveData(o *opDecrypt) {
	if c.state != StateEncrypted {
		o.cb(Result{Status: StatusDecryptionFailed, Err: fmt.Errorf("%w: session is %s", ErrDecryptionFailed, c.state)})
		return
	}

	plain, toSend, err := c.engine.Receive(o.text)
	c.send(toSend)
	c.drainEvents()

	switch {
	case err != nil:
		c.log.Warn("failed to decrypt message", "err", err)
		o.cb(Result{Status: StatusDecryptionFailed, Err: fmt.Errorf("%w: %v", ErrDecryptionFailed, err)})
	case plain == "":
		o.cb(Result{Status: StatusConsumed})
	default:
		o.cb(Result{Text: plain, WasEncrypted: true, Status: StatusEncrypted})
	}
}

func (c *conversation) receiveError(o *opDecrypt) {
	if c.state == StateNegotiating {
		err := fmt.Errorf("%w: peer reported %q", ErrNegotiationFailed, o.text)
		c.failNegotiation(err)
		o.cb(Result{Text: o.text, Status: StatusConsumed, Err: err})
		return
	}
	c.publishError(fmt.Errorf("peer reported %q", o.text))
	o.cb(Result{Text: o.text, Status: StatusConsumed})
}

// receiveControl feeds a key exchange message, query or fragment to the
// engine. cb is nil when replaying messages that arrived before the key.
func (c *conversation) receiveControl(text string, kind MessageKind, cb Callback) {
	deliver := func(r Result) {
		if cb != nil {
			cb(r)
		}
	}

	if kind == KindQuery || kind == KindControl {
		if c.state == StatePlaintext || c.state == StateFinished {
			c.enterNegotiating()
		}
	}

	if !c.engineIfReady() {
		if c.key != nil {
			deliver(Result{Status: StatusConsumed, Err: ErrNegotiationFailed})
			return
		}
		c.inbound = append(c.inbound, text)
		c.requestKey()
		deliver(Result{Status: StatusConsumed})
		return
	}

	plain, toSend, err := c.engine.Receive(text)
	c.send(toSend)
	if c.state == StatePlaintext && len(toSend) > 0 && !c.engine.IsEncrypted() {
		c.enterNegotiating()
	}
	c.drainEvents()

	if err != nil {
		// A fragment may carry data from an older session or come from a
		// third party, so only whole key exchange messages end the
		// negotiation. The timer still bounds a broken fragmented one.
		if c.state == StateNegotiating && kind != KindFragment {
			cause := fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
			c.failNegotiation(cause)
			deliver(Result{Status: StatusConsumed, Err: cause})
			return
		}
		c.log.Warn("protocol message rejected", "kind", kind, "err", err)
		deliver(Result{Status: StatusDecryptionFailed, Err: fmt.Errorf("%w: %v", ErrDecryptionFailed, err)})
		return
	}

	switch {
	case plain == "":
		deliver(Result{Status: StatusConsumed})
	case c.state == StateEncrypted:
		deliver(Result{Text: plain, WasEncrypted: true, Status: StatusEncrypted})
	default:
		deliver(Result{Text: plain, Status: StatusPlaintext})
	}
}

func (c *conversation) handleEnd(o *opEnd) {
	defer closeOnce(o.done)

	switch c.state {
	case StateEncrypted:
		c.cancelSMP()
		msgs, err := c.engine.End()
		if err != nil {
			c.log.Warn("engine failed to end session", "err", err)
		}
		c.send(msgs)
		c.transition(StateFinished)
	case StateNegotiating:
		dropped := c.resetNegotiation()
		if len(dropped) > 0 {
			c.log.Debug("discarding queued messages", "count", len(dropped))
		}
		c.transition(StatePlaintext)
	case StateFinished:
		c.transition(StatePlaintext)
	}
}

func (c *conversation) handleVerify(o *opVerify) {
	c.mu.Lock()
	fp := append([]byte(nil), c.fingerprint...)
	c.mu.Unlock()

	if len(fp) == 0 {
		reply(o.errCh, ErrSessionNotEncrypted)
		return
	}
	if c.m.trust != nil {
		if err := c.m.trust.SetFingerprintVerified(c.local, c.peer, fp, o.verified); err != nil {
			reply(o.errCh, fmt.Errorf("otr: save fingerprint: %w", err))
			return
		}
	}

	c.mu.Lock()
	c.verified = o.verified
	c.mu.Unlock()
	reply(o.errCh, nil)
}

// enterNegotiating acknowledges a Finished session and moves Plaintext to
// Negotiating, arming the negotiation timer first.
func (c *conversation) enterNegotiating() bool {
	if c.state == StateFinished {
		c.transition(StatePlaintext)
	}
	if c.state != StatePlaintext {
		return false
	}

	c.epoch++
	epoch := c.epoch
	c.stopNegotiationTimer()
	c.negTimer = c.m.clock.AfterFunc(c.m.negotiationTimeout, func() {
		_ = c.push(&opNegotiationTimeout{epoch: epoch})
	})
	return c.transition(StateNegotiating)
}

func (c *conversation) startNegotiation() {
	if c.state == StateEncrypted || c.state == StateNegotiating {
		return
	}
	if !c.enterNegotiating() {
		return
	}
	if !c.ensureEngine() {
		if c.state == StateNegotiating {
			c.startWhenReady = true
		}
		return
	}
	c.sendQuery()
}

func (c *conversation) sendQuery() {
	msgs, err := c.engine.Start()
	if err != nil {
		c.failNegotiation(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return
	}
	c.send(msgs)
	c.drainEvents()
}

// resetNegotiation abandons an in-flight key exchange and returns the
// messages that were waiting for it.
func (c *conversation) resetNegotiation() []pendingEncode {
	c.epoch++
	c.stopNegotiationTimer()
	c.cancelKeyRequest()
	c.startWhenReady = false
	c.inbound = nil
	c.engine = nil

	pending := c.pending
	c.pending = nil
	return pending
}

func (c *conversation) failNegotiation(cause error) {
	if c.state != StateNegotiating {
		return
	}
	pending := c.resetNegotiation()
	c.transition(StatePlaintext)
	c.log.Warn("negotiation failed", "err", cause)

	for _, p := range pending {
		p.cb(Result{Status: StatusBlocked, Err: fmt.Errorf("%w: %w", ErrEncryptionRequired, cause)})
	}
	c.publishError(cause)
}

func (c *conversation) handleNegotiationTimeout(o *opNegotiationTimeout) {
	if o.epoch != c.epoch || c.state != StateNegotiating {
		return
	}
	c.failNegotiation(fmt.Errorf("%w: timed out after %s", ErrNegotiationFailed, c.m.negotiationTimeout))
}

func (c *conversation) becomeEncrypted() {
	switch c.state {
	case StateEncrypted:
		return
	case StatePlaintext, StateFinished:
		if !c.enterNegotiating() {
			return
		}
	}

	c.epoch++
	c.stopNegotiationTimer()
	c.startWhenReady = false
	c.resetSMP()

	fp := c.engine.PeerFingerprint()
	verified := false
	if c.m.trust != nil && len(fp) > 0 {
		v, err := c.m.trust.RecordFingerprint(c.local, c.peer, fp)
		if err != nil {
			c.log.Error("failed to record fingerprint", "err", err)
		}
		verified = v
	}
	c.mu.Lock()
	c.fingerprint = fp
	c.verified = verified
	c.mu.Unlock()

	if !c.transition(StateEncrypted) {
		return
	}

	pending := c.pending
	c.pending = nil
	for _, p := range pending {
		c.sendEncrypted(p.text, p.cb)
	}
}

func (c *conversation) becomeFinished() {
	if c.state != StateEncrypted {
		return
	}
	c.cancelSMP()
	c.transition(StateFinished)
}

// engineIfReady creates the engine conversation if the key is at hand.
func (c *conversation) engineIfReady() bool {
	if c.engine != nil {
		return true
	}
	if c.key == nil {
		key, ok := c.m.keyring.cached(c.local)
		if !ok {
			return false
		}
		c.key = key
	}

	e, err := c.m.engine.NewConversation(ConversationConfig{
		Account:    c.local,
		Peer:       c.peer,
		PrivateKey: c.key,
		Policy:     c.policy,
		Events:     engineHooks{c: c},
	})
	if err != nil {
		c.log.Error("failed to create engine conversation", "err", err)
		c.failNegotiation(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return false
	}
	c.engine = e
	return true
}

// ensureEngine is engineIfReady, fetching the key in the background when it
// is missing.
func (c *conversation) ensureEngine() bool {
	if c.engineIfReady() {
		return true
	}
	if c.key == nil {
		c.requestKey()
	}
	return false
}

func (c *conversation) requestKey() {
	if c.keyPending {
		return
	}
	c.keyPending = true
	c.keyReq++
	req := c.keyReq

	ctx, cancel := c.m.clock.WithTimeout(context.Background(), c.m.keyGenTimeout)
	c.keyCancel = cancel

	go func() {
		defer cancel()
		key, err := c.m.keyring.PrivateKey(ctx, c.local)
		_ = c.push(&opKeyReady{req: req, key: key, err: err})
	}()
}

func (c *conversation) cancelKeyRequest() {
	if !c.keyPending {
		return
	}
	c.keyCancel()
	c.keyPending = false
	c.keyReq++
}

func (c *conversation) handleKeyReady(o *opKeyReady) {
	if o.err == nil && c.key == nil {
		c.key = o.key
	}
	if o.req != c.keyReq {
		return
	}
	c.keyPending = false

	if o.err != nil {
		c.inbound = nil
		if c.state == StateNegotiating {
			c.failNegotiation(o.err)
		} else {
			c.publishError(o.err)
		}
		return
	}

	if c.state != StateNegotiating && len(c.inbound) == 0 {
		return
	}
	if !c.engineIfReady() {
		return
	}
	if c.startWhenReady && c.state == StateNegotiating {
		c.startWhenReady = false
		c.sendQuery()
	}

	inbound := c.inbound
	c.inbound = nil
	for _, text := range inbound {
		c.receiveControl(text, c.m.engine.Classify(text), nil)
	}
}

func (c *conversation) stopNegotiationTimer() {
	if c.negTimer != nil {
		c.negTimer.Stop()
		c.negTimer = nil
	}
}

func reply(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// onceCallback guards against a callback being delivered twice when a
// panic interrupts an op after its result was handed out.
func onceCallback(cb Callback) Callback {
	if cb == nil {
		return func(Result) {}
	}
	var once sync.Once
	return func(r Result) {
		once.Do(func() { cb(r) })
	}
}

// mailbox is an unbounded FIFO of ops. Pushing never blocks, so callers on
// the host's thread are never held up by a busy conversation.
type mailbox struct {
	mu     sync.Mutex
	ops    []op
	closed bool
	signal chan struct{}
}

func (b *mailbox) push(o op) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.ops = append(b.ops, o)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

func (b *mailbox) drain() []op {
	b.mu.Lock()
	defer b.mu.Unlock()
	ops := b.ops
	b.ops = nil
	return ops
}

func (b *mailbox) close() {
	b.mu.Lock()
	b.closed = true
	b.ops = nil
	b.mu.Unlock()
}

// goroutineID parses the id out of the "goroutine N [status]:" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
