package otr

import "errors"

var (
	// ErrSessionNotEncrypted is returned when SMP is attempted on a session
	// that is not Encrypted. Start encryption first.
	ErrSessionNotEncrypted = errors.New("otr: session is not encrypted")

	// ErrChallengeInProgress is returned when an SMP challenge is already
	// outstanding for the session.
	ErrChallengeInProgress = errors.New("otr: authentication challenge already in progress")

	// ErrNoChallengePending is returned when answering or aborting with no
	// challenge outstanding.
	ErrNoChallengePending = errors.New("otr: no authentication challenge pending")

	// ErrKeyGenerationTimeout is returned when the long-term key could not
	// be produced within the configured bound.
	ErrKeyGenerationTimeout = errors.New("otr: private key generation timed out")

	// ErrNegotiationFailed is a recoverable failure of the key exchange. The
	// session is back in Plaintext.
	ErrNegotiationFailed = errors.New("otr: negotiation failed")

	// ErrEncryptionRequired means policy forbids sending the message
	// unencrypted. The message was not sent.
	ErrEncryptionRequired = errors.New("otr: encryption required, message not sent")

	// ErrDecryptionFailed means the payload could not be decrypted. Session
	// state is unaffected.
	ErrDecryptionFailed = errors.New("otr: decryption failed")

	// ErrEncryptionDisabled is returned when encryption is requested while
	// the policy is Disabled.
	ErrEncryptionDisabled = errors.New("otr: encryption disabled by policy")

	// ErrCalledFromCallback is returned by blocking methods invoked from a
	// result callback or event handler of the same conversation.
	ErrCalledFromCallback = errors.New("otr: blocking call from the conversation's own callback")

	// ErrClosed is returned once the manager or conversation is shut down.
	ErrClosed = errors.New("otr: closed")

	// ErrKeyNotFound is returned by a KeyStore that holds no key for the
	// account.
	ErrKeyNotFound = errors.New("otr: private key not found")
)
