package otr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/meszmate/ircotr/internal/events"
)

// Keyring hands out long-term private keys, loading them from the KeyStore
// or generating them on first use. Concurrent requests for the same account
// share one generation.
type Keyring struct {
	gen      KeyGenerator
	store    KeyStore
	notifier Notifier
	log      *log.Logger

	group singleflight.Group

	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyring creates a keyring. store may be nil, in which case keys only
// live in memory.
func NewKeyring(gen KeyGenerator, store KeyStore, notifier Notifier, logger *log.Logger) *Keyring {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Keyring{
		gen:      gen,
		store:    store,
		notifier: notifier,
		log:      logger,
		keys:     make(map[string][]byte),
	}
}

// PrivateKey returns the key for account. If it has to be generated and ctx
// expires first, ErrKeyGenerationTimeout is returned; generation carries on
// in the background and the key is cached for the next caller.
func (k *Keyring) PrivateKey(ctx context.Context, account string) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[account]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	ch := k.group.DoChan(account, func() (interface{}, error) {
		return k.loadOrGenerate(account)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: account %s", ErrKeyGenerationTimeout, account)
		}
		return nil, ctx.Err()
	}
}

// HasKey reports whether a key for account is already cached
func (k *Keyring) HasKey(account string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[account]
	return ok
}

func (k *Keyring) cached(account string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[account]
	return key, ok
}

// Generate forces a new key for account, replacing any existing one.
func (k *Keyring) Generate(account string) ([]byte, error) {
	v, err, _ := k.group.Do(account, func() (interface{}, error) {
		return k.generate(account)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (k *Keyring) loadOrGenerate(account string) ([]byte, error) {
	if k.store != nil {
		key, err := k.store.LoadPrivateKey(account)
		switch {
		case err == nil:
			k.cache(account, key)
			return key, nil
		case !errors.Is(err, ErrKeyNotFound):
			return nil, fmt.Errorf("load private key: %w", err)
		}
	}
	return k.generate(account)
}

func (k *Keyring) generate(account string) ([]byte, error) {
	k.log.Info("generating private key", "account", account)
	k.notifier.Publish(events.Event{
		Type: events.EventKeyGenerationStarted,
		Data: KeyGeneration{Account: account},
	})

	key, err := k.gen.GenerateKey()
	if err == nil && k.store != nil {
		if serr := k.store.SavePrivateKey(account, key); serr != nil {
			k.log.Error("failed to save private key", "account", account, "err", serr)
		}
	}

	k.notifier.Publish(events.Event{
		Type: events.EventKeyGenerationFinished,
		Data: KeyGeneration{Account: account, Err: err},
	})
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	k.cache(account, key)
	k.log.Info("private key ready", "account", account)
	return key, nil
}

func (k *Keyring) cache(account string, key []byte) {
	k.mu.Lock()
	k.keys[account] = key
	k.mu.Unlock()
}
