// Package app wires the OTR manager to its collaborators for an IRC host:
// configuration, storage, identity encoding and notifications. Hosts talk to
// it in nicknames and connections; the session identities the manager keys
// conversations by never leave this package unless asked for.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/meszmate/ircotr/internal/config"
	"github.com/meszmate/ircotr/internal/crypto/otr"
	"github.com/meszmate/ircotr/internal/crypto/otr/otr3engine"
	"github.com/meszmate/ircotr/internal/events"
	"github.com/meszmate/ircotr/internal/identity"
	"github.com/meszmate/ircotr/internal/instrument"
	"github.com/meszmate/ircotr/internal/logging"
	"github.com/meszmate/ircotr/internal/storage"
	"github.com/meszmate/ircotr/internal/storage/boltstore"
	"github.com/meszmate/ircotr/internal/storage/sqlite"
)

// policyStateKey is the app_state key holding the default policy.
const policyStateKey = "otr.policy"

// Sender delivers a protocol message to nick on conn. It is called from
// conversation goroutines and must not block for long.
type Sender interface {
	SendPrivmsg(conn identity.ConnectionRef, nick, text string)
}

// SenderFunc adapts a function to Sender
type SenderFunc func(conn identity.ConnectionRef, nick, text string)

// SendPrivmsg calls f
func (f SenderFunc) SendPrivmsg(conn identity.ConnectionRef, nick, text string) {
	f(conn, nick, text)
}

// Options holds optional collaborators. Zero values select the defaults.
type Options struct {
	Sender Sender
	Logger *log.Logger
}

// App is the composition root
type App struct {
	cfg     *config.Config
	log     *log.Logger
	storage storage.Store
	codec   *identity.Codec
	bus     *events.Bus
	otr     *otr.Manager
	sender  Sender

	metrics       *instrument.Metrics
	metricsServer *instrument.Server

	mu     sync.Mutex
	closed bool
}

// New creates the application from cfg
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	mapping, err := identity.ParseCaseMapping(cfg.Encryption.CaseMapping)
	if err != nil {
		return nil, err
	}
	policy, err := otr.ParsePolicy(cfg.Encryption.Policy)
	if err != nil {
		return nil, err
	}

	// Get data directory from config or use default
	dataDir := cfg.General.DataDir
	if dataDir == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return nil, err
		}
		dataDir = paths.DataDir
	}

	store, err := openStorage(cfg.Storage.Backend, dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if cfg.Storage.SealKeys {
		pass := config.Passphrase()
		if pass == "" {
			store.Close()
			return nil, fmt.Errorf("seal_keys is on but %s is not set", config.PassphraseEnv)
		}
		store.SetPassphrase(pass)
	}

	// A policy set at runtime outlives the config file value.
	if saved, err := store.GetAppState(policyStateKey); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load policy: %w", err)
	} else if saved != "" {
		if p, err := otr.ParsePolicy(saved); err == nil {
			policy = p
		} else {
			logger.Warn("ignoring stored policy", "value", saved, "err", err)
		}
	}

	a := &App{
		cfg:     cfg,
		log:     logger.WithPrefix("app"),
		storage: store,
		codec:   identity.NewCodec(mapping),
		bus:     events.NewBus(),
		sender:  opts.Sender,
		metrics: instrument.New(),
	}
	a.bus.SubscribeAll(a.metrics.Observe)

	otrCfg := otr.Config{
		Engine:               otr3engine.New(cfg.Encryption.FragmentSize),
		Transport:            otr.TransportFunc(a.sendProtocolMessage),
		Notifier:             a.bus,
		Logger:               logger,
		Policy:               policy,
		NegotiationTimeout:   cfg.Encryption.NegotiationTimeout,
		SMPTimeout:           cfg.Encryption.SMPTimeout,
		KeyGenerationTimeout: cfg.Encryption.KeyGenerationTimeout,
	}
	if cfg.Storage.PersistKeys {
		otrCfg.KeyStore = store
		otrCfg.TrustStore = store
	}

	a.otr, err = otr.NewManager(otrCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	if err := a.loadPeerPolicies(); err != nil {
		a.otr.Close()
		store.Close()
		return nil, err
	}

	if cfg.Metrics.Address != "" {
		a.metricsServer, err = instrument.Listen(cfg.Metrics.Address, a.metrics, logger)
		if err != nil {
			a.otr.Close()
			store.Close()
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	a.log.Debug("initialized", "data_dir", dataDir, "backend", cfg.Storage.Backend, "policy", policy, "persist_keys", cfg.Storage.PersistKeys)
	return a, nil
}

func openStorage(backend, dataDir string) (storage.Store, error) {
	switch backend {
	case "bolt":
		return boltstore.New(dataDir)
	case "sqlite", "":
		return sqlite.New(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func (a *App) loadPeerPolicies() error {
	policies, err := a.storage.PeerPolicies()
	if err != nil {
		return fmt.Errorf("failed to load peer policies: %w", err)
	}
	for _, pp := range policies {
		p, err := otr.ParsePolicy(pp.Policy)
		if err != nil {
			a.log.Warn("ignoring stored peer policy", "local", pp.Account, "peer", pp.Peer, "err", err)
			continue
		}
		a.otr.SetPeerPolicy(pp.Account, pp.Peer, p)
	}
	return nil
}

// Config returns the configuration
func (a *App) Config() *config.Config {
	return a.cfg
}

// Events returns the notification bus
func (a *App) Events() *events.Bus {
	return a.bus
}

// OTR returns the underlying manager, keyed by session identity
func (a *App) OTR() *otr.Manager {
	return a.otr
}

// Storage returns the configured store
func (a *App) Storage() storage.Store {
	return a.storage
}

// Metrics returns the session counters
func (a *App) Metrics() *instrument.Metrics {
	return a.metrics
}

// Codec returns the identity codec
func (a *App) Codec() *identity.Codec {
	return a.codec
}

// SetSender sets where protocol messages go. Hosts that build the App before
// their connections exist call this once they do.
func (a *App) SetSender(s Sender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *App) sendProtocolMessage(from, to, message string) {
	a.mu.Lock()
	sender := a.sender
	a.mu.Unlock()

	if sender == nil {
		a.log.Warn("dropping protocol message, no sender", "to", to)
		return
	}

	nick, conn, err := a.codec.Reverse(identity.SessionIdentity(to))
	if err != nil {
		// The connection closed while the message was in flight.
		a.log.Debug("dropping protocol message", "to", to, "err", err)
		return
	}
	sender.SendPrivmsg(conn, nick, message)
}

// OpenConnection registers a connection. An empty ref allocates a fresh
// one; hosts that want keys and trust to survive restarts pass a stable ref
// such as the network name.
func (a *App) OpenConnection(ref string) (identity.ConnectionRef, error) {
	if ref == "" {
		return a.codec.NewConnection(), nil
	}
	conn := identity.ConnectionRef(ref)
	if err := a.codec.RegisterConnection(conn); err != nil {
		return "", err
	}
	return conn, nil
}

// CloseConnection tears down every conversation that involves an identity
// issued on conn. It returns how many conversations were destroyed.
func (a *App) CloseConnection(conn identity.ConnectionRef) int {
	n := 0
	for _, id := range a.codec.CloseConnection(conn) {
		n += a.otr.ForgetIdentity(string(id))
	}
	a.log.Debug("connection closed", "conn", conn, "conversations", n)
	return n
}

// Pair returns the session identities of ourNick and peerNick on conn.
func (a *App) Pair(conn identity.ConnectionRef, ourNick, peerNick string) (local, peer string, err error) {
	l, err := a.codec.Encode(ourNick, conn)
	if err != nil {
		return "", "", err
	}
	p, err := a.codec.Encode(peerNick, conn)
	if err != nil {
		return "", "", err
	}
	return string(l), string(p), nil
}

// EncryptMessage encodes text typed by ourNick for peerNick. cb receives the
// text to put on the wire; it may be nil.
func (a *App) EncryptMessage(conn identity.ConnectionRef, ourNick, peerNick, text string, cb otr.Callback) {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		if cb != nil {
			cb(otr.Result{Text: text, Status: otr.StatusBlocked, Err: err})
		}
		return
	}
	a.otr.EncryptMessage(text, local, peer, cb)
}

// DecryptMessage decodes text received from peerNick. cb receives the text
// to display; StatusConsumed means nothing should
// be shown.
func (a *App) DecryptMessage(conn identity.ConnectionRef, ourNick, peerNick, text string, cb otr.Callback) {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		if cb != nil {
			cb(otr.Result{Status: otr.StatusDecryptionFailed, Err: err})
		}
		return
	}
	a.otr.DecryptMessage(text, peer, local, cb)
}

// Encrypt is the blocking form of EncryptMessage
func (a *App) Encrypt(ctx context.Context, conn identity.ConnectionRef, ourNick, peerNick, text string) (otr.Result, error) {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return otr.Result{}, err
	}
	return a.otr.Encrypt(ctx, text, local, peer)
}

// Decrypt is the blocking form of DecryptMessage
func (a *App) Decrypt(ctx context.Context, conn identity.ConnectionRef, ourNick, peerNick, text string) (otr.Result, error) {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return otr.Result{}, err
	}
	return a.otr.Decrypt(ctx, text, peer, local)
}

// BeginConversation starts a key exchange with peerNick
func (a *App) BeginConversation(conn identity.ConnectionRef, ourNick, peerNick string) error {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return err
	}
	return a.otr.BeginConversation(local, peer)
}

// EndConversation ends the encrypted session with peerNick
func (a *App) EndConversation(conn identity.ConnectionRef, ourNick, peerNick string) error {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return err
	}
	return a.otr.EndConversation(local, peer)
}

// InitiateChallenge asks peerNick to prove they know secret
func (a *App) InitiateChallenge(conn identity.ConnectionRef, ourNick, peerNick string, secret otr.Secret, question string) error {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return err
	}
	return a.otr.InitiateChallenge(local, peer, secret, question)
}

// RespondToChallenge answers a challenge started by peerNick
func (a *App) RespondToChallenge(conn identity.ConnectionRef, ourNick, peerNick string, secret otr.Secret) error {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return err
	}
	return a.otr.RespondToChallenge(local, peer, secret)
}

// AbortChallenge abandons the authentication exchange with peerNick
func (a *App) AbortChallenge(conn identity.ConnectionRef, ourNick, peerNick string) error {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return err
	}
	return a.otr.AbortChallenge(local, peer)
}

// Session returns the conversation with peerNick, if one exists
func (a *App) Session(conn identity.ConnectionRef, ourNick, peerNick string) (otr.SessionInfo, bool) {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return otr.SessionInfo{}, false
	}
	return a.otr.GetSession(local, peer)
}

// SetPolicy changes the default policy and remembers it
func (a *App) SetPolicy(policy otr.Policy) error {
	if err := a.storage.SetAppState(policyStateKey, policy.String()); err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	a.otr.SetPolicy(policy)
	a.log.Info("policy changed", "policy", policy)
	return nil
}

// Policy returns the default policy
func (a *App) Policy() otr.Policy {
	return a.otr.CurrentPolicy()
}

// SetPeerPolicy overrides the policy for one peer and remembers it
func (a *App) SetPeerPolicy(conn identity.ConnectionRef, ourNick, peerNick string, policy otr.Policy) error {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return err
	}
	if err := a.storage.SetPeerPolicy(local, peer, policy.String()); err != nil {
		return fmt.Errorf("failed to save peer policy: %w", err)
	}
	a.otr.SetPeerPolicy(local, peer, policy)
	return nil
}

// ClearPeerPolicy removes a per-peer override
func (a *App) ClearPeerPolicy(conn identity.ConnectionRef, ourNick, peerNick string) error {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return err
	}
	if err := a.storage.DeletePeerPolicy(local, peer); err != nil {
		return fmt.Errorf("failed to delete peer policy: %w", err)
	}
	a.otr.ClearPeerPolicy(local, peer)
	return nil
}

// PolicyFor returns the policy in force for peerNick
func (a *App) PolicyFor(conn identity.ConnectionRef, ourNick, peerNick string) (otr.Policy, error) {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return otr.PolicyDisabled, err
	}
	return a.otr.PolicyFor(local, peer), nil
}

// Fingerprint returns our own fingerprint for ourNick on conn, generating
// the key if needed.
func (a *App) Fingerprint(ctx context.Context, conn identity.ConnectionRef, ourNick string) ([]byte, error) {
	local, err := a.codec.Encode(ourNick, conn)
	if err != nil {
		return nil, err
	}
	return a.otr.GetFingerprint(ctx, string(local))
}

// VerifyFingerprint marks the current fingerprint of peerNick as verified
// or not.
func (a *App) VerifyFingerprint(conn identity.ConnectionRef, ourNick, peerNick string, verified bool) error {
	local, peer, err := a.Pair(conn, ourNick, peerNick)
	if err != nil {
		return err
	}
	return a.otr.VerifyFingerprint(local, peer, verified)
}

// Close ends every conversation and closes storage
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.otr.Close()
	a.bus.Clear()

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.log.Warn("metrics server shutdown", "err", err)
		}
		cancel()
	}

	if err := a.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
