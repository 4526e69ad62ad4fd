// Package otr3engine implements otr.Engine on top of github.com/coyim/otr3.
package otr3engine

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/coyim/otr3"

	"github.com/meszmate/ircotr/internal/crypto/otr"
)

// DefaultFragmentSize keeps protocol messages under the IRC line limit once
// the PRIVMSG prefix is added.
const DefaultFragmentSize = 400

// OTR message types carried in the third byte of an encoded message.
const (
	msgTypeData byte = 0x03
)

var errBadKey = errors.New("otr3engine: malformed private key")

// Engine adapts otr3
type Engine struct {
	fragmentSize uint16
	rand         io.Reader
}

// New creates an engine. fragmentSize <= 0 uses DefaultFragmentSize.
func New(fragmentSize int) *Engine {
	if fragmentSize <= 0 || fragmentSize > 0xffff {
		fragmentSize = DefaultFragmentSize
	}
	return &Engine{fragmentSize: uint16(fragmentSize), rand: rand.Reader}
}

// GenerateKey generates a DSA key and returns it in OTR's serialized form
func (e *Engine) GenerateKey() ([]byte, error) {
	key := new(otr3.DSAPrivateKey)
	if err := key.Generate(e.rand); err != nil {
		return nil, fmt.Errorf("otr3engine: generate key: %w", err)
	}
	return key.Serialize(), nil
}

// Fingerprint returns the public key fingerprint of a serialized key
func (e *Engine) Fingerprint(privateKey []byte) ([]byte, error) {
	key, err := parseKey(privateKey)
	if err != nil {
		return nil, err
	}
	return key.PublicKey().Fingerprint(), nil
}

// NewConversation implements otr.Engine
func (e *Engine) NewConversation(cfg otr.ConversationConfig) (otr.EngineConversation, error) {
	key, err := parseKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	c := &otr3.Conversation{}
	c.SetOurKeys([]otr3.PrivateKey{key})
	c.SetFragmentSize(e.fragmentSize)
	applyPolicy(c, cfg.Policy)

	conv := &conversation{c: c, events: cfg.Events}
	c.SetSecurityEventHandler(conv)
	c.SetSMPEventHandler(conv)
	return conv, nil
}

// Classify implements otr.Engine by looking at the OTR wire prefix and, for
// encoded messages, the message type byte.
func (e *Engine) Classify(payload string) otr.MessageKind {
	p := strings.TrimSpace(payload)

	switch {
	case strings.HasPrefix(p, "?OTR Error:"):
		return otr.KindError
	case strings.HasPrefix(p, "?OTR|"), strings.HasPrefix(p, "?OTR,"):
		return otr.KindFragment
	case strings.HasPrefix(p, "?OTR:"):
		if messageType(p) == msgTypeData {
			return otr.KindData
		}
		return otr.KindControl
	case strings.HasPrefix(p, "?OTR?"), strings.HasPrefix(p, "?OTRv"):
		return otr.KindQuery
	}
	return otr.KindPlain
}

func messageType(p string) byte {
	body := strings.TrimSuffix(strings.TrimPrefix(p, "?OTR:"), ".")
	// Version (2 bytes) and type (1 byte) fit in the first four characters.
	if len(body) < 4 {
		return 0
	}
	head, err := base64.StdEncoding.DecodeString(body[:4])
	if err != nil || len(head) < 3 {
		return 0
	}
	return head[2]
}

func parseKey(b []byte) (*otr3.DSAPrivateKey, error) {
	key := new(otr3.DSAPrivateKey)
	if _, ok := key.Parse(b); !ok {
		return nil, errBadKey
	}
	return key, nil
}

func applyPolicy(c *otr3.Conversation, p otr.Policy) {
	c.Policies.AllowV2()
	c.Policies.AllowV3()

	switch p {
	case otr.PolicyOpportunistic:
		c.Policies.WhitespaceStartAKE()
		c.Policies.ErrorStartAKE()
	case otr.PolicyAlwaysEncrypt:
		c.Policies.RequireEncryption()
		c.Policies.WhitespaceStartAKE()
		c.Policies.ErrorStartAKE()
	}
}
