package otr

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meszmate/ircotr/internal/events"
)

var bobCommit = "?FAKE:K:commit:" + hex.EncodeToString([]byte("bob-fingerprint-0001"))

func TestNewManagerRequiresEngine(t *testing.T) {
	_, err := NewManager(Config{})
	require.Error(t, err)
}

func TestOpportunisticConversationLifecycle(t *testing.T) {
	h := newHarness(t, PolicyOpportunistic)
	h.warmKey(t, alice)
	ctx := context.Background()

	res, err := h.m.Encrypt(ctx, "hi", alice, bob)
	require.NoError(t, err)
	require.Equal(t, StatusNotYetEncrypted, res.Status)
	require.Equal(t, "hi", res.Text)
	require.False(t, res.WasEncrypted)
	h.waitState(t, alice, bob, StateNegotiating)
	h.waitSent(t, "?FAKE?")

	res, err = h.m.Decrypt(ctx, bobCommit, bob, alice)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, res.Status)
	h.waitState(t, alice, bob, StateEncrypted)

	res, err = h.m.Encrypt(ctx, "secret", alice, bob)
	require.NoError(t, err)
	require.Equal(t, StatusEncrypted, res.Status)
	require.True(t, res.WasEncrypted)
	require.NotEqual(t, "secret", res.Text)
	require.Equal(t, "?FAKE:D:secret", res.Text)

	require.NoError(t, h.m.EndConversation(alice, bob))
	h.waitState(t, alice, bob, StateFinished)
	h.waitSent(t, "?FAKE:K:end")

	res, err = h.m.Encrypt(ctx, "bye", alice, bob)
	require.NoError(t, err)
	require.Equal(t, StatusPlaintext, res.Status)
	require.Equal(t, "bye", res.Text)
	h.waitState(t, alice, bob, StatePlaintext)

	var got []string
	for _, e := range h.rec.eventsOf(events.EventSessionStateChanged) {
		sc := e.Data.(StateChange)
		got = append(got, sc.Old.String()+">"+sc.New.String())
	}
	require.Equal(t, []string{
		"plaintext>negotiating",
		"negotiating>encrypted",
		"encrypted>finished",
		"finished>plaintext",
	}, got)
}

func TestDisabledPolicyCreatesNoSession(t *testing.T) {
	h := newHarness(t, PolicyDisabled)

	res, err := h.m.Encrypt(context.Background(), "hi", alice, bob)
	require.NoError(t, err)
	require.Equal(t, StatusPlaintext, res.Status)
	require.Equal(t, "hi", res.Text)

	res, err = h.m.Decrypt(context.Background(), "?FAKE?", bob, alice)
	require.NoError(t, err)
	require.Equal(t, "?FAKE?", res.Text)

	_, ok := h.m.GetSession(alice, bob)
	require.False(t, ok)
	require.Empty(t, h.m.Sessions())
	require.ErrorIs(t, h.m.BeginConversation(alice, bob), ErrEncryptionDisabled)
	require.Empty(t, h.rec.messages())
}

func TestManualPolicyDoesNotStartNegotiation(t *testing.T) {
	h := newHarness(t, PolicyManual)

	res, err := h.m.Encrypt(context.Background(), "hi", alice, bob)
	require.NoError(t, err)
	require.Equal(t, StatusPlaintext, res.Status)

	info, ok := h.m.GetSession(alice, bob)
	require.True(t, ok)
	require.Equal(t, StatePlaintext, info.State)
	require.Empty(t, h.rec.messages())
}

func TestPeerQueryStartsNegotiation(t *testing.T) {
	h := newHarness(t, PolicyManual)

	res, err := h.m.Decrypt(context.Background(), "?FAKE?", bob, alice)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, res.Status)
	h.waitState(t, alice, bob, StateNegotiating)

	// The key is generated in the background, then the query is answered.
	require.Eventually(t, func() bool {
		for _, msg := range h.rec.messages() {
			if strings.HasPrefix(msg, "?FAKE:K:commit:") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.m.Decrypt(context.Background(), "?FAKE:K:ack:"+hex.EncodeToString([]byte("bob")), bob, alice)
	require.NoError(t, err)
	h.waitState(t, alice, bob, StateEncrypted)
	require.Equal(t, []byte("bob"), h.m.GetPeerFingerprint(alice, bob))
	require.True(t, h.m.IsEncrypted(alice, bob))
}

func TestNegotiationWaitsForKey(t *testing.T) {
	h := newHarness(t, PolicyOpportunistic)
	h.engine.gate = make(chan struct{})

	res, err := h.m.Encrypt(context.Background(), "hi", alice, bob)
	require.NoError(t, err)
	require.Equal(t, StatusNotYetEncrypted, res.Status)

	// Arrives before our key exists; buffered until it does.
	res, err = h.m.Decrypt(context.Background(), bobCommit, bob, alice)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, res.Status)

	info, _ := h.m.GetSession(alice, bob)
	require.Equal(t, StateNegotiating, info.State)

	close(h.engine.gate)
	h.waitState(t, alice, bob, StateEncrypted)
	h.waitSent(t, "?FAKE?")
	require.EqualValues(t, 1, h.engine.keyGens.Load())
}

func TestAlwaysEncryptNegotiationTimeout(t *testing.T) {
	h := newHarness(t, PolicyAlwaysEncrypt)
	h.warmKey(t, alice)

	results := make(chan Result, 1)
	h.m.EncryptMessage("top secret", alice, bob, func(r Result) { results <- r })
	h.waitState(t, alice, bob, StateNegotiating)

	select {
	case r := <-results:
		t.Fatalf("result delivered before negotiation finished: %+v", r)
	default:
	}

	h.clock.Add(DefaultNegotiationTimeout + time.Second)

	select {
	case r := <-results:
		require.Equal(t, StatusBlocked, r.Status)
		require.Empty(t, r.Text)
		require.False(t, r.WasEncrypted)
		require.ErrorIs(t, r.Err, ErrEncryptionRequired)
		require.ErrorIs(t, r.Err, ErrNegotiationFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("no result after negotiation timeout")
	}

	h.waitState(t, alice, bob, StatePlaintext)
	for _, msg := range h.rec.messages() {
		require.NotContains(t, msg, "top secret")
	}
	require.NotEmpty(t, h.rec.eventsOf(events.EventProtocolError))
}

func TestAlwaysEncryptPeerErrorBlocksMessage(t *testing.T) {
	h := newHarness(t, PolicyAlwaysEncrypt)
	h.warmKey(t, alice)

	results := make(chan Result, 1)
	h.m.EncryptMessage("top secret", alice, bob, func(r Result) { results <- r })
	h.waitState(t, alice, bob, StateNegotiating)

	res, err := h.m.Decrypt(context.Background(), "?FAKE Error:no thanks", bob, alice)
	require.ErrorIs(t, err, ErrNegotiationFailed)
	require.Equal(t, StatusConsumed, res.Status)

	r := <-results
	require.Equal(t, StatusBlocked, r.Status)
	require.ErrorIs(t, r.Err, ErrEncryptionRequired)
	require.Empty(t, r.Text)

	info, _ := h.m.GetSession(alice, bob)
	require.Equal(t, StatePlaintext, info.State)
}

func TestAlwaysEncryptFlushesQueueOnceEncrypted(t *testing.T) {
	h := newHarness(t, PolicyAlwaysEncrypt)
	h.warmKey(t, alice)

	results := make(chan Result, 2)
	h.m.EncryptMessage("one", alice, bob, func(r Result) { results <- r })
	h.m.EncryptMessage("two", alice, bob, func(r Result) { results <- r })
	h.waitState(t, alice, bob, StateNegotiating)

	_, err := h.m.Decrypt(context.Background(), bobCommit, bob, alice)
	require.NoError(t, err)

	for _, want := range []string{"?FAKE:D:one", "?FAKE:D:two"} {
		r := <-results
		require.Equal(t, StatusEncrypted, r.Status)
		require.True(t, r.WasEncrypted)
		require.Equal(t, want, r.Text)
	}
}

func TestAlwaysEncryptAfterPeerEndedBlocks(t *testing.T) {
	h := newHarness(t, PolicyAlwaysEncrypt)
	h.establish(t)

	_, err := h.m.Decrypt(context.Background(), "?FAKE:K:end", bob, alice)
	require.NoError(t, err)
	h.waitState(t, alice, bob, StateFinished)

	res, err := h.m.Encrypt(context.Background(), "still there?", alice, bob)
	require.ErrorIs(t, err, ErrEncryptionRequired)
	require.Equal(t, StatusBlocked, res.Status)
	require.Empty(t, res.Text)

	info, _ := h.m.GetSession(alice, bob)
	require.Equal(t, StateFinished, info.State)
}

func TestDecryptBeforeNegotiation(t *testing.T) {
	h := newHarness(t, PolicyOpportunistic)

	res, err := h.m.Decrypt(context.Background(), "?FAKE:D:whatever", bob, alice)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	require.Equal(t, StatusDecryptionFailed, res.Status)
	require.Empty(t, res.Text)

	info, ok := h.m.GetSession(alice, bob)
	require.True(t, ok)
	require.Equal(t, StatePlaintext, info.State)
	require.Zero(t, h.engine.receives.Load())
	require.Empty(t, h.rec.eventsOf(events.EventSessionStateChanged))
}

func TestFragmentedDataDoesNotResetNegotiation(t *testing.T) {
	h := newHarness(t, PolicyAlwaysEncrypt)
	h.warmKey(t, alice)
	ctx := context.Background()

	results := make(chan Result, 1)
	h.m.EncryptMessage("top secret", alice, bob, func(r Result) { results <- r })
	h.waitState(t, alice, bob, StateNegotiating)

	// Data from a session bob still thinks is alive, split into fragments.
	res, err := h.m.Decrypt(ctx, "?FAKE|?FAKE:D:late", bob, alice)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	require.NotErrorIs(t, err, ErrNegotiationFailed)
	require.Equal(t, StatusDecryptionFailed, res.Status)

	info, ok := h.m.GetSession(alice, bob)
	require.True(t, ok)
	require.Equal(t, StateNegotiating, info.State)
	require.Empty(t, h.rec.eventsOf(events.EventProtocolError))
	select {
	case r := <-results:
		t.Fatalf("queued message resolved early: %+v", r)
	default:
	}

	// A fragmented key exchange still completes the negotiation.
	res, err = h.m.Decrypt(ctx, "?FAKE|"+bobCommit, bob, alice)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, res.Status)
	h.waitState(t, alice, bob, StateEncrypted)

	select {
	case r := <-results:
		require.NoError(t, r.Err)
		require.Equal(t, StatusEncrypted, r.Status)
		require.Equal(t, "?FAKE:D:top secret", r.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not sent once encrypted")
	}
}

func TestDecryptPlainText(t *testing.T) {
	h := newHarness(t, PolicyOpportunistic)

	res, err := h.m.Decrypt(context.Background(), "hello there", bob, alice)
	require.NoError(t, err)
	require.Equal(t, StatusPlaintext, res.Status)
	require.Equal(t, "hello there", res.Text)
	require.False(t, res.WasEncrypted)
}

func TestDecryptEncryptedMessage(t *testing.T) {
	h := newHarness(t, PolicyOpportunistic)
	h.establish(t)

	res, err := h.m.Decrypt(context.Background(), "?FAKE:D:hi alice", bob, alice)
	require.NoError(t, err)
	require.Equal(t, StatusEncrypted, res.Status)
	require.True(t, res.WasEncrypted)
	require.Equal(t, "hi alice", res.Text)
}

func TestKeyGenerationTimeout(t *testing.T) {
	h := newHarness(t, PolicyAlwaysEncrypt, func(cfg *Config) {
		cfg.KeyGenerationTimeout = 5 * time.Second
	})
	h.engine.gate = make(chan struct{})
	defer close(h.engine.gate)

	results := make(chan Result, 1)
	h.m.EncryptMessage("hi", alice, bob, func(r Result) { results <- r })

	require.Eventually(t, func() bool {
		return len(h.rec.eventsOf(events.EventKeyGenerationStarted)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	h.clock.Add(6 * time.Second)

	select {
	case r := <-results:
		require.Equal(t, StatusBlocked, r.Status)
		require.ErrorIs(t, r.Err, ErrEncryptionRequired)
		require.ErrorIs(t, r.Err, ErrKeyGenerationTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("no result after key generation timeout")
	}
	h.waitState(t, alice, bob, StatePlaintext)
}

func TestBlockingCallFromCallbackFails(t *testing.T) {
	h := newHarness(t, PolicyAlwaysEncrypt)
	h.warmKey(t, alice)

	errs := make(chan []error, 1)
	h.m.EncryptMessage("top secret", alice, bob, func(r Result) {
		_, encErr := h.m.Encrypt(context.Background(), "again", alice, bob)
		errs <- []error{
			h.m.EndConversation(alice, bob),
			h.m.InitiateChallenge(alice, bob, Secret("s"), ""),
			encErr,
		}
	})
	h.waitState(t, alice, bob, StateNegotiating)
	h.clock.Add(DefaultNegotiationTimeout + time.Second)

	select {
	case got := <-errs:
		for _, err := range got {
			require.ErrorIs(t, err, ErrCalledFromCallback)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking call from a callback did not return")
	}

	// The conversation is still usable from the outside.
	require.NoError(t, h.m.EndConversation(alice, bob))
}

func TestCloseFromEventHandler(t *testing.T) {
	h := newHarness(t, PolicyAlwaysEncrypt)
	h.warmKey(t, alice)

	closed := make(chan struct{})
	h.bus.Subscribe(events.EventProtocolError, func(events.Event) {
		h.m.Close()
		close(closed)
	})

	h.m.EncryptMessage("top secret", alice, bob, func(Result) {})
	h.waitState(t, alice, bob, StateNegotiating)
	h.clock.Add(DefaultNegotiationTimeout + time.Second)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from an event handler did not return")
	}
	require.Empty(t, h.m.Sessions())
}

func TestEndDiscardsPendingResults(t *testing.T) {
	h := newHarness(t, PolicyAlwaysEncrypt)
	h.warmKey(t, alice)

	var called atomic.Bool
	h.m.EncryptMessage("queued", alice, bob, func(Result) { called.Store(true) })
	h.waitState(t, alice, bob, StateNegotiating)

	require.NoError(t, h.m.EndConversation(alice, bob))
	h.waitState(t, alice, bob, StatePlaintext)

	// A stale timeout must not resurrect anything either.
	h.clock.Add(DefaultNegotiationTimeout + time.Second)
	require.Never(t, called.Load, 100*time.Millisecond, 10*time.Millisecond)
}

func TestEndWithoutSessionIsNoop(t *testing.T) {
	h := newHarness(t, PolicyOpportunistic)
	require.NoError(t, h.m.EndConversation(alice, bob))
	_, ok := h.m.GetSession(alice, bob)
	require.False(t, ok)
}

func TestConversationsDoNotBlockEachOther(t *testing.T) {
	h := newHarness(t, PolicyManual)
	carol := "carol@c1"

	release := make(chan struct{})
	entered := make(chan struct{})
	h.m.EncryptMessage("slow", alice, bob, func(Result) {
		close(entered)
		<-release
	})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := h.m.Encrypt(ctx, "fast", alice, carol)
	require.NoError(t, err)
	require.Equal(t, "fast", res.Text)

	close(release)
}

func TestResultsAreDeliveredInOrder(t *testing.T) {
	h := newHarness(t, PolicyManual)

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		h.m.EncryptMessage(fmt.Sprint(i), alice, bob, func(r Result) {
			mu.Lock()
			got = append(got, r.Text)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, text := range got {
		require.Equal(t, fmt.Sprint(i), text)
	}
}

func TestForgetIdentity(t *testing.T) {
	h := newHarness(t, PolicyManual)

	for _, pair := range [][2]string{{alice, bob}, {alice, "carol@c1"}, {"dave@c1", bob}} {
		_, err := h.m.GetOrCreateSession(pair[0], pair[1])
		require.NoError(t, err)
	}
	require.Len(t, h.m.Sessions(), 3)

	require.Equal(t, 2, h.m.ForgetIdentity(alice))
	require.Len(t, h.m.Sessions(), 1)
	_, ok := h.m.GetSession(alice, bob)
	require.False(t, ok)

	h.m.Forget("dave@c1", bob)
	require.Empty(t, h.m.Sessions())
}

func TestClosedManagerRejectsWork(t *testing.T) {
	h := newHarness(t, PolicyOpportunistic)
	h.m.Close()

	res, err := h.m.Encrypt(context.Background(), "hi", alice, bob)
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, StatusBlocked, res.Status)

	_, err = h.m.GetOrCreateSession(alice, bob)
	require.ErrorIs(t, err, ErrClosed)
}

func TestPeerPolicyOverride(t *testing.T) {
	h := newHarness(t, PolicyDisabled)
	h.m.SetPeerPolicy(alice, bob, PolicyManual)

	_, err := h.m.Encrypt(context.Background(), "hi", alice, bob)
	require.NoError(t, err)
	_, ok := h.m.GetSession(alice, bob)
	require.True(t, ok)

	h.m.ClearPeerPolicy(alice, bob)
	require.Equal(t, PolicyDisabled, h.m.PolicyFor(alice, bob))
}

func TestStartFailureFallsBack(t *testing.T) {
	h := newHarness(t, PolicyOpportunistic)
	h.engine.startErr = fmt.Errorf("no entropy")
	h.warmKey(t, alice)

	res, err := h.m.Encrypt(context.Background(), "hi", alice, bob)
	require.NoError(t, err)
	require.Equal(t, StatusPlaintext, res.Status)
	require.Equal(t, "hi", res.Text)

	info, _ := h.m.GetSession(alice, bob)
	require.Equal(t, StatePlaintext, info.State)
}

func TestStateMachineOnlyTakesLegalTransitions(t *testing.T) {
	h := newHarness(t, PolicyOpportunistic)
	h.warmKey(t, alice)

	var mu sync.Mutex
	var changes []StateChange
	h.bus.Subscribe(events.EventSessionStateChanged, func(e events.Event) {
		mu.Lock()
		changes = append(changes, e.Data.(StateChange))
		mu.Unlock()
	})

	decrypt := func(text string) func() {
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = h.m.Decrypt(ctx, text, bob, alice)
		}
	}
	rng := rand.New(rand.NewSource(7))
	inputs := []func(){
		func() { h.m.EncryptMessage("x", alice, bob, nil) },
		func() { _ = h.m.BeginConversation(alice, bob) },
		func() { _ = h.m.EndConversation(alice, bob) },
		func() { h.clock.Add(DefaultNegotiationTimeout + time.Second) },
		func() { h.m.SetPolicy(Policy(1 + rng.Intn(3))) },
		decrypt(bobCommit),
		decrypt("?FAKE:K:end"),
		decrypt("?FAKE?"),
		decrypt("?FAKE:D:x"),
		decrypt("?FAKE Error:x"),
		decrypt("?FAKE:K:garbage"),
		decrypt("plain"),
	}
	for i := 0; i < 400; i++ {
		inputs[rng.Intn(len(inputs))]()
	}
	require.NoError(t, h.m.EndConversation(alice, bob))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, changes)
	prev := StatePlaintext
	for i, sc := range changes {
		require.Equal(t, prev, sc.Old, "change %d", i)
		require.True(t, CanTransition(sc.Old, sc.New), "illegal %s -> %s", sc.Old, sc.New)
		prev = sc.New
	}
}

func TestSecretIsNeverFormatted(t *testing.T) {
	s := Secret("hunter2")
	for _, out := range []string{
		fmt.Sprint(s),
		fmt.Sprintf("%v %s %q %x %#v", s, s, s, s, s),
		s.String(),
	} {
		require.NotContains(t, out, "hunter2")
		require.NotContains(t, out, hex.EncodeToString([]byte("hunter2")))
	}
}
