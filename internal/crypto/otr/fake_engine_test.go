package otr

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/ircotr/internal/events"
)

// fakeEngine speaks a toy protocol with OTR's shape:
//
//	?FAKE?             query
//	?FAKE:K:...        key exchange and SMP
//	?FAKE:D:<text>     data
//	?FAKE Error:<msg>  error
//	?FAKE|<message>    a single fragment wrapping any of the above
type fakeEngine struct {
	gate      chan struct{}
	startErr  error
	keyGens   atomic.Int32
	receives  atomic.Int32
	convCount atomic.Int32
}

func (e *fakeEngine) GenerateKey() ([]byte, error) {
	e.keyGens.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (e *fakeEngine) NewConversation(cfg ConversationConfig) (EngineConversation, error) {
	e.convCount.Add(1)
	fp, _ := e.Fingerprint(cfg.PrivateKey)
	return &fakeConversation{eng: e, cfg: cfg, ourFP: fp}, nil
}

func (e *fakeEngine) Classify(payload string) MessageKind {
	switch {
	case strings.HasPrefix(payload, "?FAKE Error:"):
		return KindError
	case strings.HasPrefix(payload, "?FAKE|"):
		return KindFragment
	case payload == "?FAKE?":
		return KindQuery
	case strings.HasPrefix(payload, "?FAKE:K:"):
		return KindControl
	case strings.HasPrefix(payload, "?FAKE:D:"):
		return KindData
	default:
		return KindPlain
	}
}

func (e *fakeEngine) Fingerprint(privateKey []byte) ([]byte, error) {
	sum := sha256.Sum256(privateKey)
	return sum[:20], nil
}

type fakeConversation struct {
	eng       *fakeEngine
	cfg       ConversationConfig
	ourFP     []byte
	theirFP   []byte
	encrypted bool
	peerHash  string
}

func secretHash(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:8])
}

func (f *fakeConversation) Start() ([]string, error) {
	if f.eng.startErr != nil {
		return nil, f.eng.startErr
	}
	return []string{"?FAKE?"}, nil
}

func (f *fakeConversation) Send(text string) ([]string, error) {
	if !f.encrypted {
		return nil, errors.New("fake: not encrypted")
	}
	return []string{"?FAKE:D:" + text}, nil
}

func (f *fakeConversation) Receive(payload string) (string, []string, error) {
	f.eng.receives.Add(1)

	switch {
	case strings.HasPrefix(payload, "?FAKE|"):
		return f.Receive(strings.TrimPrefix(payload, "?FAKE|"))

	case payload == "?FAKE?":
		return "", []string{"?FAKE:K:commit:" + hex.EncodeToString(f.ourFP)}, nil

	case strings.HasPrefix(payload, "?FAKE:K:commit:"):
		fp, err := hex.DecodeString(strings.TrimPrefix(payload, "?FAKE:K:commit:"))
		if err != nil {
			return "", nil, err
		}
		f.theirFP = fp
		f.encrypted = true
		f.cfg.Events.SecurityChanged(SecurityGoneSecure)
		return "", []string{"?FAKE:K:ack:" + hex.EncodeToString(f.ourFP)}, nil

	case strings.HasPrefix(payload, "?FAKE:K:ack:"):
		fp, err := hex.DecodeString(strings.TrimPrefix(payload, "?FAKE:K:ack:"))
		if err != nil {
			return "", nil, err
		}
		f.theirFP = fp
		if f.encrypted {
			f.cfg.Events.SecurityChanged(SecurityStillSecure)
		} else {
			f.encrypted = true
			f.cfg.Events.SecurityChanged(SecurityGoneSecure)
		}
		return "", nil, nil

	case payload == "?FAKE:K:end":
		if f.encrypted {
			f.encrypted = false
			f.cfg.Events.SecurityChanged(SecurityGoneInsecure)
		}
		return "", nil, nil

	case strings.HasPrefix(payload, "?FAKE:K:smp1:"):
		parts := strings.SplitN(strings.TrimPrefix(payload, "?FAKE:K:smp1:"), ":", 2)
		f.peerHash = parts[0]
		question := ""
		if len(parts) == 2 {
			question = parts[1]
		}
		f.cfg.Events.SMP(SMPEventAskForSecret, question)
		return "", nil, nil

	case strings.HasPrefix(payload, "?FAKE:K:smp2:"):
		if strings.HasSuffix(payload, ":ok") {
			f.cfg.Events.SMP(SMPEventSuccess, "")
		} else {
			f.cfg.Events.SMP(SMPEventFailure, "")
		}
		return "", nil, nil

	case payload == "?FAKE:K:smpabort":
		f.cfg.Events.SMP(SMPEventAbort, "")
		return "", nil, nil

	case strings.HasPrefix(payload, "?FAKE:D:"):
		if !f.encrypted {
			return "", nil, errors.New("fake: no session keys")
		}
		return strings.TrimPrefix(payload, "?FAKE:D:"), nil, nil

	case strings.HasPrefix(payload, "?FAKE:K:"):
		return "", nil, errors.New("fake: malformed key exchange message")
	}
	return payload, nil, nil
}

func (f *fakeConversation) End() ([]string, error) {
	if !f.encrypted {
		return nil, nil
	}
	f.encrypted = false
	f.cfg.Events.SecurityChanged(SecurityGoneInsecure)
	return []string{"?FAKE:K:end"}, nil
}

func (f *fakeConversation) IsEncrypted() bool { return f.encrypted }

func (f *fakeConversation) StartSMP(question string, secret []byte) ([]string, error) {
	if !f.encrypted {
		return nil, errors.New("fake: not encrypted")
	}
	return []string{"?FAKE:K:smp1:" + secretHash(secret) + ":" + question}, nil
}

func (f *fakeConversation) RespondSMP(secret []byte) ([]string, error) {
	if secretHash(secret) == f.peerHash {
		f.cfg.Events.SMP(SMPEventSuccess, "")
		return []string{"?FAKE:K:smp2:ok"}, nil
	}
	f.cfg.Events.SMP(SMPEventFailure, "")
	return []string{"?FAKE:K:smp2:fail"}, nil
}

func (f *fakeConversation) AbortSMP() ([]string, error) {
	return []string{"?FAKE:K:smpabort"}, nil
}

func (f *fakeConversation) PeerFingerprint() []byte { return f.theirFP }

// recorder captures protocol messages and events.
type recorder struct {
	mu     sync.Mutex
	sent   []string
	events []events.Event
}

func (r *recorder) SendProtocolMessage(_, _, message string) {
	r.mu.Lock()
	r.sent = append(r.sent, message)
	r.mu.Unlock()
}

func (r *recorder) record(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *recorder) eventsOf(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	engine *fakeEngine
	clock  *clock.Mock
	bus    *events.Bus
	rec    *recorder
	m      *Manager
}

func newHarness(t *testing.T, policy Policy, opts ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		engine: &fakeEngine{},
		clock:  clock.NewMock(),
		bus:    events.NewBus(),
		rec:    &recorder{},
	}
	h.bus.SubscribeAll(h.rec.record)

	cfg := Config{
		Engine:    h.engine,
		Transport: h.rec,
		Notifier:  h.bus,
		Clock:     h.clock,
		Policy:    policy,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	h.m = m
	return h
}

func (h *harness) warmKey(t *testing.T, account string) {
	t.Helper()
	_, err := h.m.Keyring().PrivateKey(context.Background(), account)
	require.NoError(t, err)
}

func (h *harness) waitState(t *testing.T, local, peer string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := h.m.GetSession(local, peer)
		return ok && info.State == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", want)
}

func (h *harness) waitSent(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, msg := range h.rec.messages() {
			if msg == want {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "waiting for %q on the wire", want)
}

// establish drives alice@c1 <-> bob@c1 to Encrypted with a scripted peer.
func (h *harness) establish(t *testing.T) {
	t.Helper()
	h.warmKey(t, alice)
	require.NoError(t, h.m.BeginConversation(alice, bob))
	h.waitSent(t, "?FAKE?")

	res, err := h.m.Decrypt(context.Background(), "?FAKE:K:commit:"+hex.EncodeToString([]byte("bob-fingerprint-0001")), bob, alice)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, res.Status)
	h.waitState(t, alice, bob, StateEncrypted)
}

const (
	alice = "alice@c1"
	bob   = "bob@c1"
)
