package otr

// Status classifies the outcome of an encode or decode
type Status int

const (
	// StatusPlaintext: text passed through unmodified.
	StatusPlaintext Status = iota
	// StatusNotYetEncrypted: the original text is returned while a key
	// exchange proceeds.
	StatusNotYetEncrypted
	// StatusEncrypted: ciphertext on encode, decrypted text on decode.
	StatusEncrypted
	// StatusConsumed: a protocol message with no user-visible text.
	StatusConsumed
	// StatusDecryptionFailed: the payload could not be decrypted.
	StatusDecryptionFailed
	// StatusBlocked: policy refused to send the message.
	StatusBlocked
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusPlaintext:
		return "plaintext"
	case StatusNotYetEncrypted:
		return "not-yet-encrypted"
	case StatusEncrypted:
		return "encrypted"
	case StatusConsumed:
		return "consumed"
	case StatusDecryptionFailed:
		return "decryption-failed"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Result is delivered to the callback of an encode or decode.
//
// For an encrypted encode, Text holds the first wire message. When the
// engine fragments a message, the remaining fragments are handed to the
// Transport right after the callback returns, so the host must send Text
// before returning from the callback.
type Result struct {
	Text         string
	WasEncrypted bool
	Status       Status
	Err          error
}

// Callback receives the result of an encode or decode. It runs on the
// conversation's goroutine. Blocking manager calls for the same
// conversation made from it fail with ErrCalledFromCallback; the
// asynchronous ones are safe.
type Callback func(Result)
