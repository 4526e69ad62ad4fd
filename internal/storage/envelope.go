package storage

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const envelopeVersion = 1

var (
	// ErrWrongPassphrase is returned when a sealed key cannot be opened
	ErrWrongPassphrase = errors.New("storage: wrong passphrase or corrupted key")

	// ErrPassphraseRequired is returned when reading a sealed key without a
	// passphrase
	ErrPassphraseRequired = errors.New("storage: private key is sealed, passphrase required")
)

// envelope is the stored form of a sealed private key
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// scrypt cost parameters; stored with each key so they can be raised later.
var scryptN, scryptR, scryptP = 1 << 15, 8, 1

// Seal encrypts a private key under passphrase. ad binds the result to its
// owner; Open fails for any other ad.
func Seal(passphrase string, raw, ad []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return json.Marshal(envelope{
		V:      envelopeVersion,
		Salt:   salt,
		N:      scryptN,
		R:      scryptR,
		P:      scryptP,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, ad),
	})
}

// Open decrypts a key produced by Seal
func Open(passphrase string, b, ad []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("storage: decode sealed key: %w", err)
	}
	if env.V > envelopeVersion {
		return nil, fmt.Errorf("storage: unsupported sealed key version %d", env.V)
	}

	key, err := scrypt.Key([]byte(passphrase), env.Salt, env.N, env.R, env.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	pt, err := aead.Open(nil, env.Nonce, env.Cipher, ad)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}
