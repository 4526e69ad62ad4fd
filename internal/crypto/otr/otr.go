// Package otr manages Off-the-Record conversations for a chat client: one
// session state machine per (local, peer) pair, the SMP authentication
// exchange layered on top, and the policy deciding whether plaintext may go
// out.
//
// Every conversation runs on its own goroutine, so operations on one
// conversation are processed in order while independent conversations never
// wait on each other. Results and notifications are delivered on that
// goroutine.
package otr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
)

const (
	DefaultNegotiationTimeout   = 30 * time.Second
	DefaultSMPTimeout           = 2 * time.Minute
	DefaultKeyGenerationTimeout = 60 * time.Second
)

// Config contains configuration for the OTR manager
type Config struct {
	Engine Engine

	// Optional collaborators.
	KeyStore   KeyStore
	TrustStore TrustStore
	Transport  Transport
	Notifier   Notifier
	Logger     *log.Logger
	Clock      clock.Clock

	Policy               Policy
	NegotiationTimeout   time.Duration
	SMPTimeout           time.Duration
	KeyGenerationTimeout time.Duration
}

// SessionInfo is a snapshot of one conversation
type SessionInfo struct {
	Local       string
	Peer        string
	State       State
	SMPState    SMPState
	SMPQuestion string
	Fingerprint []byte
	Verified    bool
}

type convKey struct {
	local string
	peer  string
}

// Manager manages OTR sessions
type Manager struct {
	engine    Engine
	keyring   *Keyring
	authority *Authority
	trust     TrustStore
	transport Transport
	notifier  Notifier
	log       *log.Logger
	clock     clock.Clock

	negotiationTimeout time.Duration
	smpTimeout         time.Duration
	keyGenTimeout      time.Duration

	wg sync.WaitGroup

	mu       sync.RWMutex
	sessions map[convKey]*conversation
	closed   bool
}

// NewManager creates a new OTR manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, errors.New("otr: engine is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.SMPTimeout <= 0 {
		cfg.SMPTimeout = DefaultSMPTimeout
	}
	if cfg.KeyGenerationTimeout <= 0 {
		cfg.KeyGenerationTimeout = DefaultKeyGenerationTimeout
	}

	logger := cfg.Logger.WithPrefix("otr")

	return &Manager{
		engine:             cfg.Engine,
		keyring:            NewKeyring(cfg.Engine, cfg.KeyStore, cfg.Notifier, logger),
		authority:          NewAuthority(cfg.Policy),
		trust:              cfg.TrustStore,
		transport:          cfg.Transport,
		notifier:           cfg.Notifier,
		log:                logger,
		clock:              cfg.Clock,
		negotiationTimeout: cfg.NegotiationTimeout,
		smpTimeout:         cfg.SMPTimeout,
		keyGenTimeout:      cfg.KeyGenerationTimeout,
		sessions:           make(map[convKey]*conversation),
	}, nil
}

// Keyring returns the manager's keyring
func (m *Manager) Keyring() *Keyring {
	return m.keyring
}

// SetPolicy sets the OTR policy. Only subsequent calls are affected.
func (m *Manager) SetPolicy(policy Policy) {
	m.authority.SetPolicy(policy)
}

// CurrentPolicy returns the current OTR policy
func (m *Manager) CurrentPolicy() Policy {
	return m.authority.CurrentPolicy()
}

// SetPeerPolicy overrides the policy for one conversation
func (m *Manager) SetPeerPolicy(local, peer string, policy Policy) {
	m.authority.SetPeerPolicy(local, peer, policy)
}

// ClearPeerPolicy removes a per-conversation override
func (m *Manager) ClearPeerPolicy(local, peer string) {
	m.authority.ClearPeerPolicy(local, peer)
}

// PolicyFor returns the effective policy for a conversation
func (m *Manager) PolicyFor(local, peer string) Policy {
	return m.authority.PolicyFor(local, peer)
}

// EncryptMessage encodes an outgoing message from local to peer. cb may be
// invoked before EncryptMessage returns when no session is involved.
func (m *Manager) EncryptMessage(text, from, to string, cb Callback) {
	cb = onceCallback(cb)
	m.submit(from, to, text, cb, func(policy Policy) op {
		return &opEncrypt{text: text, policy: policy, cb: cb}
	})
}

// DecryptMessage decodes an incoming message sent by peer to local. Note the
// direction: from is the peer.
func (m *Manager) DecryptMessage(text, from, to string, cb Callback) {
	cb = onceCallback(cb)
	m.submit(to, from, text, cb, func(policy Policy) op {
		return &opDecrypt{text: text, policy: policy, cb: cb}
	})
}

// Encrypt is the blocking form of EncryptMessage. When the result is
// discarded because the conversation ended, it returns ctx.Err().
func (m *Manager) Encrypt(ctx context.Context, text, from, to string) (Result, error) {
	if c := m.lookup(from, to); c != nil && c.onWorker() {
		return Result{}, ErrCalledFromCallback
	}
	return wait(ctx, func(cb Callback) { m.EncryptMessage(text, from, to, cb) })
}

// Decrypt is the blocking form of DecryptMessage
func (m *Manager) Decrypt(ctx context.Context, text, from, to string) (Result, error) {
	if c := m.lookup(to, from); c != nil && c.onWorker() {
		return Result{}, ErrCalledFromCallback
	}
	return wait(ctx, func(cb Callback) { m.DecryptMessage(text, from, to, cb) })
}

func wait(ctx context.Context, call func(cb Callback)) (Result, error) {
	ch := make(chan Result, 1)
	call(func(r Result) { ch <- r })

	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (m *Manager) submit(local, peer, text string, cb Callback, mk func(Policy) op) {
	policy := m.authority.PolicyFor(local, peer)
	if policy == PolicyDisabled {
		cb(Result{Text: text, Status: StatusPlaintext})
		return
	}

	c, err := m.getOrCreate(local, peer)
	if err == nil {
		err = c.push(mk(policy))
	}
	if err != nil {
		cb(Result{Text: text, Status: StatusBlocked, Err: err})
	}
}

// BeginConversation starts a key exchange with peer. It returns once the
// request is queued; progress is reported through notifications.
func (m *Manager) BeginConversation(local, peer string) error {
	policy := m.authority.PolicyFor(local, peer)
	if policy == PolicyDisabled {
		return ErrEncryptionDisabled
	}

	c, err := m.getOrCreate(local, peer)
	if err != nil {
		return err
	}
	return c.push(&opBegin{})
}

// EndConversation ends the encrypted session with peer. Outstanding
// negotiation and authentication are cancelled and their pending results
// are discarded.
func (m *Manager) EndConversation(local, peer string) error {
	c := m.lookup(local, peer)
	if c == nil {
		return nil
	}
	if c.onWorker() {
		return ErrCalledFromCallback
	}
	done := make(chan struct{})
	if err := c.push(&opEnd{done: done}); err != nil {
		return err
	}
	return c.await(done)
}

// GetOrCreateSession returns the session for a pair, creating it in
// Plaintext if needed.
func (m *Manager) GetOrCreateSession(local, peer string) (SessionInfo, error) {
	c, err := m.getOrCreate(local, peer)
	if err != nil {
		return SessionInfo{}, err
	}
	return c.snapshot(), nil
}

// GetSession returns a session snapshot, if one exists
func (m *Manager) GetSession(local, peer string) (SessionInfo, bool) {
	c := m.lookup(local, peer)
	if c == nil {
		return SessionInfo{}, false
	}
	return c.snapshot(), true
}

// Sessions returns snapshots of every session
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	convs := make([]*conversation, 0, len(m.sessions))
	for _, c := range m.sessions {
		convs = append(convs, c)
	}
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.snapshot())
	}
	return out
}

// IsEncrypted returns whether a session is encrypted
func (m *Manager) IsEncrypted(local, peer string) bool {
	info, ok := m.GetSession(local, peer)
	return ok && info.State == StateEncrypted
}

// GetPeerFingerprint returns the fingerprint of a peer
func (m *Manager) GetPeerFingerprint(local, peer string) []byte {
	info, ok := m.GetSession(local, peer)
	if !ok {
		return nil
	}
	return info.Fingerprint
}

// GetFingerprint returns the fingerprint of our key for account,
// generating the key if needed.
func (m *Manager) GetFingerprint(ctx context.Context, account string) ([]byte, error) {
	ctx, cancel := m.clock.WithTimeout(ctx, m.keyGenTimeout)
	defer cancel()

	key, err := m.keyring.PrivateKey(ctx, account)
	if err != nil {
		return nil, err
	}
	return m.engine.Fingerprint(key)
}

// VerifyFingerprint marks the current peer fingerprint as verified
func (m *Manager) VerifyFingerprint(local, peer string, verified bool) error {
	c := m.lookup(local, peer)
	if c == nil {
		return ErrSessionNotEncrypted
	}
	if c.onWorker() {
		return ErrCalledFromCallback
	}
	errCh := make(chan error, 1)
	if err := c.push(&opVerify{verified: verified, errCh: errCh}); err != nil {
		return err
	}
	return c.awaitErr(errCh)
}

// InitiateChallenge starts an SMP challenge. The manager works on a copy of
// secret, which is zeroed once the engine has it.
func (m *Manager) InitiateChallenge(local, peer string, secret Secret, question string) error {
	c := m.lookup(local, peer)
	if c == nil {
		return ErrSessionNotEncrypted
	}
	if c.onWorker() {
		return ErrCalledFromCallback
	}
	errCh := make(chan error, 1)
	if err := c.push(&opInitiateSMP{secret: secret.clone(), question: question, errCh: errCh}); err != nil {
		return err
	}
	return c.awaitErr(errCh)
}

// RespondToChallenge answers the challenge the peer started
func (m *Manager) RespondToChallenge(local, peer string, secret Secret) error {
	c := m.lookup(local, peer)
	if c == nil {
		return ErrNoChallengePending
	}
	if c.onWorker() {
		return ErrCalledFromCallback
	}
	errCh := make(chan error, 1)
	if err := c.push(&opRespondSMP{secret: secret.clone(), errCh: errCh}); err != nil {
		return err
	}
	return c.awaitErr(errCh)
}

// AbortChallenge aborts the outstanding challenge
func (m *Manager) AbortChallenge(local, peer string) error {
	c := m.lookup(local, peer)
	if c == nil {
		return ErrNoChallengePending
	}
	if c.onWorker() {
		return ErrCalledFromCallback
	}
	errCh := make(chan error, 1)
	if err := c.push(&opAbortSMP{errCh: errCh}); err != nil {
		return err
	}
	return c.awaitErr(errCh)
}

// Forget destroys the conversation between local and peer without
// notifying the peer. Pending results are discarded.
func (m *Manager) Forget(local, peer string) {
	m.mu.Lock()
	c := m.sessions[convKey{local: local, peer: peer}]
	delete(m.sessions, convKey{local: local, peer: peer})
	m.mu.Unlock()

	if c != nil {
		c.halt()
	}
}

// ForgetIdentity destroys every conversation involving id, on either side.
// Used when the connection an identity belongs to goes away.
func (m *Manager) ForgetIdentity(id string) int {
	m.mu.Lock()
	var victims []*conversation
	for k, c := range m.sessions {
		if k.local == id || k.peer == id {
			victims = append(victims, c)
			delete(m.sessions, k)
		}
	}
	m.mu.Unlock()

	for _, c := range victims {
		c.halt()
	}
	return len(victims)
}

// Close stops every conversation and waits for them to exit. Called from a
// callback or event handler it stops them without waiting.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	convs := m.sessions
	m.sessions = make(map[convKey]*conversation)
	m.mu.Unlock()

	reentrant := false
	for _, c := range convs {
		c.halt()
		reentrant = reentrant || c.onWorker()
	}
	if reentrant {
		m.log.Warn("Close called from a conversation callback, not waiting for workers")
		return
	}
	m.wg.Wait()
}

func (m *Manager) lookup(local, peer string) *conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[convKey{local: local, peer: peer}]
}

func (m *Manager) getOrCreate(local, peer string) (*conversation, error) {
	if c := m.lookup(local, peer); c != nil {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	k := convKey{local: local, peer: peer}
	if c, ok := m.sessions[k]; ok {
		return c, nil
	}

	c := newConversation(m, local, peer)
	m.sessions[k] = c
	m.wg.Add(1)
	go c.worker()

	m.log.Debug("session created", "local", local, "peer", peer)
	return c, nil
}

func discardLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// Secret is an SMP shared secret. It formats as a placeholder so it cannot
// leak through logs or error messages.
type Secret []byte

// String implements fmt.Stringer
func (s Secret) String() string { return "[secret]" }

// GoString implements fmt.GoStringer
func (s Secret) GoString() string { return "otr.Secret([secret])" }

// Format implements fmt.Formatter
func (s Secret) Format(f fmt.State, _ rune) { _, _ = io.WriteString(f, "[secret]") }

func (s Secret) clone() Secret {
	return append(Secret(nil), s...)
}

func (s Secret) wipe() {
	for i := range s {
		s[i] = 0
	}
}
