package sqlite

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/meszmate/ircotr/internal/crypto/otr"
	"github.com/meszmate/ircotr/internal/storage"
)

// LoadPrivateKey implements otr.KeyStore
func (d *DB) LoadPrivateKey(account string) ([]byte, error) {
	var data []byte
	var sealed bool
	err := d.db.QueryRow(`
		SELECT key_data, sealed FROM otr_private_keys WHERE account = ?
	`, account).Scan(&data, &sealed)
	if err == sql.ErrNoRows {
		return nil, otr.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	if !sealed {
		return data, nil
	}
	if d.passphrase == "" {
		return nil, storage.ErrPassphraseRequired
	}
	return storage.Open(d.passphrase, data, []byte(account))
}

// SavePrivateKey implements otr.KeyStore. The key is sealed when a
// passphrase is set.
func (d *DB) SavePrivateKey(account string, key []byte) error {
	data, sealed := key, false
	if d.passphrase != "" {
		var err error
		data, err = storage.Seal(d.passphrase, key, []byte(account))
		if err != nil {
			return fmt.Errorf("failed to seal private key: %w", err)
		}
		sealed = true
	}

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO otr_private_keys (account, key_data, sealed, created_at)
		VALUES (?, ?, ?, ?)
	`, account, data, sealed, time.Now().Unix())
	return err
}

func (d *DB) DeletePrivateKey(account string) error {
	_, err := d.db.Exec("DELETE FROM otr_private_keys WHERE account = ?", account)
	return err
}

// KeyAccounts lists accounts that have a stored private key
func (d *DB) KeyAccounts() ([]string, error) {
	rows, err := d.db.Query("SELECT account FROM otr_private_keys ORDER BY account")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// RecordFingerprint implements otr.TrustStore. It returns whether the
// fingerprint was verified before.
func (d *DB) RecordFingerprint(account, peer string, fingerprint []byte) (bool, error) {
	now := time.Now().Unix()
	fp := hex.EncodeToString(fingerprint)

	_, err := d.db.Exec(`
		INSERT INTO otr_fingerprints (account, peer, fingerprint, verified, first_seen, last_seen)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(account, peer, fingerprint) DO UPDATE SET last_seen = excluded.last_seen
	`, account, peer, fp, now, now)
	if err != nil {
		return false, err
	}

	var verified bool
	err = d.db.QueryRow(`
		SELECT verified FROM otr_fingerprints
		WHERE account = ? AND peer = ? AND fingerprint = ?
	`, account, peer, fp).Scan(&verified)
	return verified, err
}

// SetFingerprintVerified implements otr.TrustStore
func (d *DB) SetFingerprintVerified(account, peer string, fingerprint []byte, verified bool) error {
	now := time.Now().Unix()
	_, err := d.db.Exec(`
		INSERT INTO otr_fingerprints (account, peer, fingerprint, verified, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, peer, fingerprint) DO UPDATE SET verified = excluded.verified
	`, account, peer, hex.EncodeToString(fingerprint), verified, now, now)
	return err
}

// Fingerprints returns every fingerprint seen by account, newest first
func (d *DB) Fingerprints(account string) ([]storage.Fingerprint, error) {
	rows, err := d.db.Query(`
		SELECT peer, fingerprint, verified, first_seen, last_seen
		FROM otr_fingerprints
		WHERE account = ?
		ORDER BY last_seen DESC, peer
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fps []storage.Fingerprint
	for rows.Next() {
		var fp storage.Fingerprint
		var hexFP string
		var first, last int64
		if err := rows.Scan(&fp.Peer, &hexFP, &fp.Verified, &first, &last); err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(hexFP)
		if err != nil {
			return nil, fmt.Errorf("corrupt fingerprint for %s: %w", fp.Peer, err)
		}
		fp.Account = account
		fp.Fingerprint = raw
		fp.FirstSeen = time.Unix(first, 0)
		fp.LastSeen = time.Unix(last, 0)
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

func (d *DB) DeleteFingerprint(account, peer string, fingerprint []byte) error {
	_, err := d.db.Exec(`
		DELETE FROM otr_fingerprints WHERE account = ? AND peer = ? AND fingerprint = ?
	`, account, peer, hex.EncodeToString(fingerprint))
	return err
}

func (d *DB) SetPeerPolicy(account, peer, policy string) error {
	_, err := d.db.Exec(`
		INSERT INTO otr_peer_policy (account, peer, policy)
		VALUES (?, ?, ?)
		ON CONFLICT(account, peer) DO UPDATE SET policy = excluded.policy
	`, account, peer, policy)
	return err
}

func (d *DB) DeletePeerPolicy(account, peer string) error {
	_, err := d.db.Exec("DELETE FROM otr_peer_policy WHERE account = ? AND peer = ?", account, peer)
	return err
}

func (d *DB) PeerPolicies() ([]storage.PeerPolicy, error) {
	rows, err := d.db.Query("SELECT account, peer, policy FROM otr_peer_policy ORDER BY account, peer")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.PeerPolicy
	for rows.Next() {
		var p storage.PeerPolicy
		if err := rows.Scan(&p.Account, &p.Peer, &p.Policy); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
