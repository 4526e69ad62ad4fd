package otr

// MessageKind classifies an inbound payload by its wire markers, without
// decrypting it.
type MessageKind int

const (
	// KindPlain is ordinary text, possibly carrying a whitespace tag.
	KindPlain MessageKind = iota
	// KindQuery asks the receiver to start a key exchange.
	KindQuery
	// KindControl is a key exchange message.
	KindControl
	// KindData is an encrypted data message.
	KindData
	// KindFragment is one piece of a fragmented protocol message.
	KindFragment
	// KindError is a protocol error message sent by the peer.
	KindError
)

// String returns the string representation of the kind
func (k MessageKind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindQuery:
		return "query"
	case KindControl:
		return "control"
	case KindData:
		return "data"
	case KindFragment:
		return "fragment"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// SecurityEvent is reported by the engine when the encryption status of a
// conversation changes.
type SecurityEvent int

const (
	SecurityGoneSecure SecurityEvent = iota
	SecurityGoneInsecure
	SecurityStillSecure
)

// SMPEvent is reported by the engine as an authentication exchange
// progresses.
type SMPEvent int

const (
	// SMPEventAskForSecret: the peer started a challenge; the question is
	// passed along when there is one.
	SMPEventAskForSecret SMPEvent = iota
	SMPEventInProgress
	SMPEventSuccess
	SMPEventFailure
	SMPEventCheated
	SMPEventAbort
	SMPEventError
)

// EngineEvents receives callbacks from an engine conversation. Callbacks are
// only made from inside calls on that conversation.
type EngineEvents interface {
	SecurityChanged(event SecurityEvent)
	SMP(event SMPEvent, question string)
}

// ConversationConfig describes one engine conversation
type ConversationConfig struct {
	Account    string
	Peer       string
	PrivateKey []byte
	Policy     Policy
	Events     EngineEvents
}

// KeyGenerator produces serialized long-term private keys
type KeyGenerator interface {
	GenerateKey() ([]byte, error)
}

// Engine is the OTR cryptography library. It is trusted; the manager only
// drives it.
type Engine interface {
	KeyGenerator

	// NewConversation creates protocol state for one (account, peer) pair.
	NewConversation(cfg ConversationConfig) (EngineConversation, error)

	// Classify inspects the wire markers of an inbound payload.
	Classify(payload string) MessageKind

	// Fingerprint returns the public fingerprint of a serialized private key.
	Fingerprint(privateKey []byte) ([]byte, error)
}

// EngineConversation is the protocol state for one conversation. Every
// method returns the protocol messages that must go out to the peer.
type EngineConversation interface {
	// Start initiates a key exchange.
	Start() ([]string, error)
	Send(plaintext string) ([]string, error)
	Receive(payload string) (plaintext string, toSend []string, err error)
	End() ([]string, error)
	IsEncrypted() bool

	StartSMP(question string, secret []byte) ([]string, error)
	RespondSMP(secret []byte) ([]string, error)
	AbortSMP() ([]string, error)

	PeerFingerprint() []byte
}

// Transport delivers protocol messages generated by the engine. It is
// called from conversation goroutines.
type Transport interface {
	SendProtocolMessage(from, to, message string)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(from, to, message string)

// SendProtocolMessage calls f
func (f TransportFunc) SendProtocolMessage(from, to, message string) {
	f(from, to, message)
}

// KeyStore holds long-term private keys. LoadPrivateKey returns
// ErrKeyNotFound when no key exists for the account.
type KeyStore interface {
	LoadPrivateKey(account string) ([]byte, error)
	SavePrivateKey(account string, key []byte) error
}

// TrustStore remembers peer fingerprints and whether they were verified.
type TrustStore interface {
	RecordFingerprint(account, peer string, fingerprint []byte) (verified bool, err error)
	SetFingerprintVerified(account, peer string, fingerprint []byte, verified bool) error
}
