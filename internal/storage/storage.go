// Package storage defines what the application persists: long-term private
// keys, the fingerprints seen for each peer and whether they were verified,
// per-peer policy overrides, and small bits of application state. The sqlite
// and bolt packages implement it.
package storage

import (
	"time"

	"github.com/meszmate/ircotr/internal/crypto/otr"
)

// Store is a storage backend
type Store interface {
	otr.KeyStore
	otr.TrustStore

	DeletePrivateKey(account string) error
	KeyAccounts() ([]string, error)

	Fingerprints(account string) ([]Fingerprint, error)
	DeleteFingerprint(account, peer string, fingerprint []byte) error

	SetPeerPolicy(account, peer, policy string) error
	DeletePeerPolicy(account, peer string) error
	PeerPolicies() ([]PeerPolicy, error)

	// GetAppState returns "" when key is unset.
	SetAppState(key, value string) error
	GetAppState(key string) (string, error)
	DeleteAppState(key string) error

	// SetPassphrase enables sealing of private keys written from now on, and
	// is needed to read keys that were sealed.
	SetPassphrase(passphrase string)

	Close() error
}

// Fingerprint is a peer key seen by an account
type Fingerprint struct {
	Account     string
	Peer        string
	Fingerprint []byte
	Verified    bool
	FirstSeen   time.Time
	LastSeen    time.Time
}

// PeerPolicy overrides the default policy for one conversation
type PeerPolicy struct {
	Account string
	Peer    string
	Policy  string
}
