package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/ircotr/internal/config"
	"github.com/meszmate/ircotr/internal/crypto/otr"
	"github.com/meszmate/ircotr/internal/identity"
	"github.com/meszmate/ircotr/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.General.DataDir = t.TempDir()
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts Options) *App {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	a, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

type sent struct {
	conn identity.ConnectionRef
	nick string
	text string
}

type outbox struct {
	mu   sync.Mutex
	msgs []sent
}

func (o *outbox) SendPrivmsg(conn identity.ConnectionRef, nick, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, sent{conn: conn, nick: nick, text: text})
}

func (o *outbox) all() []sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sent(nil), o.msgs...)
}

func TestPoliciesSurviveRestart(t *testing.T) {
	for _, backend := range []string{"sqlite", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Storage.Backend = backend

			a, err := New(cfg, Options{Logger: logging.Discard()})
			require.NoError(t, err)
			conn, err := a.OpenConnection("libera")
			require.NoError(t, err)

			require.NoError(t, a.SetPolicy(otr.PolicyAlways))
			require.NoError(t, a.SetPeerPolicy(conn, "alice", "Bob", otr.PolicyManual))
			require.NoError(t, a.Close())

			b := newTestApp(t, cfg, Options{})
			conn, err = b.OpenConnection("libera")
			require.NoError(t, err)

			require.Equal(t, otr.PolicyAlways, b.Policy())

			// Nicknames are folded, so the override applies whatever the case.
			p, err := b.PolicyFor(conn, "alice", "BOB")
			require.NoError(t, err)
			require.Equal(t, otr.PolicyManual, p)

			p, err = b.PolicyFor(conn, "alice", "carol")
			require.NoError(t, err)
			require.Equal(t, otr.PolicyAlways, p)

			require.NoError(t, b.ClearPeerPolicy(conn, "alice", "bob"))
			p, err = b.PolicyFor(conn, "alice", "bob")
			require.NoError(t, err)
			require.Equal(t, otr.PolicyAlways, p)
		})
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Policy = "sometimes"
	_, err := New(cfg, Options{Logger: logging.Discard()})
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Encryption.CaseMapping = "strict-rfc1459"
	_, err = New(cfg, Options{Logger: logging.Discard()})
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Storage.Backend = "leveldb"
	_, err = New(cfg, Options{Logger: logging.Discard()})
	require.Error(t, err)
}

func TestSealKeysRequiresPassphrase(t *testing.T) {
	t.Setenv(config.PassphraseEnv, "")
	cfg := testConfig(t)
	cfg.Storage.SealKeys = true

	_, err := New(cfg, Options{Logger: logging.Discard()})
	require.ErrorContains(t, err, config.PassphraseEnv)
}

func TestDisabledPolicyPassesThrough(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Policy = "disabled"
	a := newTestApp(t, cfg, Options{})
	conn, err := a.OpenConnection("")
	require.NoError(t, err)

	res, err := a.Encrypt(context.Background(), conn, "alice", "bob", "hi")
	require.NoError(t, err)
	require.Equal(t, "hi", res.Text)
	require.Equal(t, otr.StatusPlaintext, res.Status)
	require.Empty(t, a.OTR().Sessions())
}

func TestUnknownConnection(t *testing.T) {
	a := newTestApp(t, testConfig(t), Options{})

	_, err := a.Encrypt(context.Background(), "nowhere", "alice", "bob", "hi")
	require.ErrorIs(t, err, identity.ErrUnknownConnection)

	done := make(chan otr.Result, 1)
	a.DecryptMessage("nowhere", "alice", "bob", "hi", func(r otr.Result) { done <- r })
	r := <-done
	require.Equal(t, otr.StatusDecryptionFailed, r.Status)
	require.ErrorIs(t, r.Err, identity.ErrUnknownConnection)

	// Hosts that relay protocol messages pass no callback.
	require.NotPanics(t, func() {
		a.DecryptMessage("nowhere", "alice", "bob", "?OTR?", nil)
		a.EncryptMessage("nowhere", "alice", "bob", "hi", nil)
	})
}

func TestCloseConnectionForgetsConversations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Policy = "manual"
	a := newTestApp(t, cfg, Options{})
	ctx := context.Background()

	libera, err := a.OpenConnection("libera")
	require.NoError(t, err)
	oftc, err := a.OpenConnection("oftc")
	require.NoError(t, err)

	res, err := a.Decrypt(ctx, libera, "alice", "bob", "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", res.Text)
	require.Equal(t, otr.StatusPlaintext, res.Status)

	_, err = a.Decrypt(ctx, oftc, "alice", "bob", "hello")
	require.NoError(t, err)
	require.Len(t, a.OTR().Sessions(), 2)

	require.Equal(t, 1, a.CloseConnection(libera))
	require.Len(t, a.OTR().Sessions(), 1)

	_, ok := a.Session(libera, "alice", "bob")
	require.False(t, ok)
	info, ok := a.Session(oftc, "alice", "bob")
	require.True(t, ok)
	require.Equal(t, otr.StatePlaintext, info.State)
}

func TestProtocolMessagesRouteToNickname(t *testing.T) {
	out := &outbox{}
	a := newTestApp(t, testConfig(t), Options{Sender: out})

	conn, err := a.OpenConnection("libera")
	require.NoError(t, err)
	local, peer, err := a.Pair(conn, "alice", "Bob|away")
	require.NoError(t, err)

	a.sendProtocolMessage(local, peer, "?OTRv23?")
	require.Equal(t, []sent{{conn: conn, nick: "Bob|away", text: "?OTRv23?"}}, out.all())

	// Messages for a closed connection are dropped.
	a.CloseConnection(conn)
	a.sendProtocolMessage(local, peer, "?OTRv23?")
	require.Len(t, out.all(), 1)
}

func TestEncryptedConversationBetweenApps(t *testing.T) {
	if testing.Short() {
		t.Skip("generates real DSA keys")
	}

	var alice, bob *App
	var aliceConn, bobConn identity.ConnectionRef

	bobCfg := testConfig(t)
	bobCfg.Storage.Backend = "bolt"
	alice = newTestApp(t, testConfig(t), Options{})
	bob = newTestApp(t, bobCfg, Options{})

	alice.SetSender(SenderFunc(func(_ identity.ConnectionRef, nick, text string) {
		bob.DecryptMessage(bobConn, nick, "alice", text, nil)
	}))
	bob.SetSender(SenderFunc(func(_ identity.ConnectionRef, nick, text string) {
		alice.DecryptMessage(aliceConn, nick, "bob", text, nil)
	}))

	var err error
	aliceConn, err = alice.OpenConnection("libera")
	require.NoError(t, err)
	bobConn, err = bob.OpenConnection("libera")
	require.NoError(t, err)

	require.NoError(t, alice.BeginConversation(aliceConn, "alice", "bob"))
	require.Eventually(t, func() bool {
		a, _ := alice.Session(aliceConn, "alice", "bob")
		b, _ := bob.Session(bobConn, "bob", "alice")
		return a.State == otr.StateEncrypted && b.State == otr.StateEncrypted
	}, 30*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	res, err := alice.Encrypt(ctx, aliceConn, "alice", "bob", "hello bob")
	require.NoError(t, err)
	require.True(t, res.WasEncrypted)

	got, err := bob.Decrypt(ctx, bobConn, "bob", "alice", res.Text)
	require.NoError(t, err)
	require.Equal(t, "hello bob", got.Text)

	local, _, err := alice.Pair(aliceConn, "alice", "bob")
	require.NoError(t, err)
	fps, err := alice.Storage().Fingerprints(local)
	require.NoError(t, err)
	require.Len(t, fps, 1)
	require.False(t, fps[0].Verified)

	require.NoError(t, alice.VerifyFingerprint(aliceConn, "alice", "bob", true))
	fps, err = alice.Storage().Fingerprints(local)
	require.NoError(t, err)
	require.True(t, fps[0].Verified)

	local, _, err = bob.Pair(bobConn, "bob", "alice")
	require.NoError(t, err)
	fps, err = bob.Storage().Fingerprints(local)
	require.NoError(t, err)
	require.Len(t, fps, 1)

	n, err := testutil.GatherAndCount(alice.Metrics().Registry(), "ircotr_session_transitions_total")
	require.NoError(t, err)
	require.NotZero(t, n)
}
