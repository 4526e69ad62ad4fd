// Package boltstore implements storage.Store on a single bbolt file.
// Records are CBOR encoded.
package boltstore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/meszmate/ircotr/internal/crypto/otr"
	"github.com/meszmate/ircotr/internal/storage"
)

const (
	metaBucket         = "meta"
	keysBucket         = "private_keys"
	fingerprintsBucket = "fingerprints"
	policiesBucket     = "peer_policies"
	appStateBucket     = "app_state"

	versionKey     = "version"
	storageVersion = 1

	// FileName is the database file created in the data directory.
	FileName = "ircotr.bolt"
)

// keySep separates the parts of composite keys. Identities never contain it.
const keySep = 0x00

type keyRecord struct {
	Data    []byte `cbor:"1,keyasint"`
	Sealed  bool   `cbor:"2,keyasint"`
	Created int64  `cbor:"3,keyasint"`
}

type fingerprintRecord struct {
	Verified  bool  `cbor:"1,keyasint"`
	FirstSeen int64 `cbor:"2,keyasint"`
	LastSeen  int64 `cbor:"3,keyasint"`
}

// Store is a bbolt backed storage.Store
type Store struct {
	db         *bolt.DB
	passphrase string
}

var _ storage.Store = (*Store)(nil)

// New opens FileName in dataDir, creating it if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return Open(filepath.Join(dataDir, FileName))
}

// Open opens the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{keysBucket, fingerprintsBucket, policiesBucket, appStateBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storageVersion {
				return fmt.Errorf("boltstore: incompatible version: %x", b)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{storageVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetPassphrase implements storage.Store
func (s *Store) SetPassphrase(passphrase string) {
	s.passphrase = passphrase
}

func compositeKey(parts ...string) []byte {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(keySep)
		}
		b.WriteString(p)
	}
	return b.Bytes()
}

func splitKey(k []byte) []string {
	parts := bytes.Split(k, []byte{keySep})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// LoadPrivateKey implements otr.KeyStore
func (s *Store) LoadPrivateKey(account string) ([]byte, error) {
	var rec keyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(keysBucket)).Get([]byte(account))
		if raw == nil {
			return otr.ErrKeyNotFound
		}
		return cbor.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}

	if !rec.Sealed {
		return rec.Data, nil
	}
	if s.passphrase == "" {
		return nil, storage.ErrPassphraseRequired
	}
	return storage.Open(s.passphrase, rec.Data, []byte(account))
}

// SavePrivateKey implements otr.KeyStore. The key is sealed when a
// passphrase is set.
func (s *Store) SavePrivateKey(account string, key []byte) error {
	rec := keyRecord{Data: key, Created: time.Now().Unix()}
	if s.passphrase != "" {
		sealed, err := storage.Seal(s.passphrase, key, []byte(account))
		if err != nil {
			return fmt.Errorf("failed to seal private key: %w", err)
		}
		rec.Data, rec.Sealed = sealed, true
	}

	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Put([]byte(account), raw)
	})
}

func (s *Store) DeletePrivateKey(account string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Delete([]byte(account))
	})
}

// KeyAccounts lists accounts that have a stored private key, sorted
func (s *Store) KeyAccounts() ([]string, error) {
	var accounts []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).ForEach(func(k, _ []byte) error {
			accounts = append(accounts, string(k))
			return nil
		})
	})
	return accounts, err
}

// RecordFingerprint implements otr.TrustStore. It returns whether the
// fingerprint was verified before.
func (s *Store) RecordFingerprint(account, peer string, fingerprint []byte) (bool, error) {
	key := compositeKey(account, peer, hex.EncodeToString(fingerprint))
	now := time.Now().Unix()

	var verified bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(fingerprintsBucket))

		rec := fingerprintRecord{FirstSeen: now}
		if raw := bkt.Get(key); raw != nil {
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return err
			}
		}
		rec.LastSeen = now
		verified = rec.Verified

		raw, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put(key, raw)
	})
	return verified, err
}

// SetFingerprintVerified implements otr.TrustStore
func (s *Store) SetFingerprintVerified(account, peer string, fingerprint []byte, verified bool) error {
	key := compositeKey(account, peer, hex.EncodeToString(fingerprint))
	now := time.Now().Unix()

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(fingerprintsBucket))

		rec := fingerprintRecord{FirstSeen: now, LastSeen: now}
		if raw := bkt.Get(key); raw != nil {
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return err
			}
		}
		rec.Verified = verified

		raw, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put(key, raw)
	})
}

// Fingerprints returns every fingerprint seen by account, newest first
func (s *Store) Fingerprints(account string) ([]storage.Fingerprint, error) {
	prefix := append([]byte(account), keySep)

	var fps []storage.Fingerprint
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(fingerprintsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			parts := splitKey(k)
			if len(parts) != 3 {
				return fmt.Errorf("boltstore: corrupt fingerprint key %q", k)
			}
			raw, err := hex.DecodeString(parts[2])
			if err != nil {
				return fmt.Errorf("corrupt fingerprint for %s: %w", parts[1], err)
			}
			var rec fingerprintRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			fps = append(fps, storage.Fingerprint{
				Account:     account,
				Peer:        parts[1],
				Fingerprint: raw,
				Verified:    rec.Verified,
				FirstSeen:   time.Unix(rec.FirstSeen, 0),
				LastSeen:    time.Unix(rec.LastSeen, 0),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(fps, func(i, j int) bool {
		if !fps[i].LastSeen.Equal(fps[j].LastSeen) {
			return fps[i].LastSeen.After(fps[j].LastSeen)
		}
		return fps[i].Peer < fps[j].Peer
	})
	return fps, nil
}

func (s *Store) DeleteFingerprint(account, peer string, fingerprint []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(fingerprintsBucket)).Delete(compositeKey(account, peer, hex.EncodeToString(fingerprint)))
	})
}

func (s *Store) SetPeerPolicy(account, peer, policy string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(policiesBucket)).Put(compositeKey(account, peer), []byte(policy))
	})
}

func (s *Store) DeletePeerPolicy(account, peer string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(policiesBucket)).Delete(compositeKey(account, peer))
	})
}

// PeerPolicies returns every override, ordered by account then peer
func (s *Store) PeerPolicies() ([]storage.PeerPolicy, error) {
	var out []storage.PeerPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(policiesBucket)).ForEach(func(k, v []byte) error {
			parts := splitKey(k)
			if len(parts) != 2 {
				return errors.New("boltstore: corrupt peer policy key")
			}
			out = append(out, storage.PeerPolicy{Account: parts[0], Peer: parts[1], Policy: string(v)})
			return nil
		})
	})
	return out, err
}

func (s *Store) SetAppState(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(appStateBucket)).Put([]byte(key), []byte(value))
	})
}

// GetAppState returns "" when key is unset.
func (s *Store) GetAppState(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket([]byte(appStateBucket)).Get([]byte(key)))
		return nil
	})
	return value, err
}

func (s *Store) DeleteAppState(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(appStateBucket)).Delete([]byte(key))
	})
}
