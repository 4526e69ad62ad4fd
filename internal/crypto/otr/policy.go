package otr

import (
	"fmt"
	"strings"
	"sync"
)

// Policy represents OTR policy options
type Policy int

const (
	// PolicyDisabled never touches messages and never creates sessions.
	PolicyDisabled Policy = iota
	// PolicyManual answers key exchanges but only starts one on request.
	PolicyManual
	// PolicyOpportunistic starts a key exchange on the first outgoing
	// message and falls back to plaintext.
	PolicyOpportunistic
	// PolicyAlwaysEncrypt never lets plaintext out once a message is sent.
	PolicyAlwaysEncrypt
)

// String returns the string representation of the policy
func (p Policy) String() string {
	switch p {
	case PolicyDisabled:
		return "disabled"
	case PolicyManual:
		return "manual"
	case PolicyOpportunistic:
		return "opportunistic"
	case PolicyAlwaysEncrypt:
		return "always"
	default:
		return "unknown"
	}
}

// ParsePolicy parses a policy name as written in the config file
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "never", "off":
		return PolicyDisabled, nil
	case "manual":
		return PolicyManual, nil
	case "opportunistic", "":
		return PolicyOpportunistic, nil
	case "always", "always-encrypt", "require":
		return PolicyAlwaysEncrypt, nil
	default:
		return PolicyDisabled, fmt.Errorf("unknown otr policy %q", s)
	}
}

// startsNegotiation reports whether an outgoing message in Plaintext should
// kick off a key exchange.
func (p Policy) startsNegotiation() bool {
	return p == PolicyOpportunistic || p == PolicyAlwaysEncrypt
}

// Authority holds the process-wide policy and per-conversation overrides.
type Authority struct {
	mu        sync.RWMutex
	policy    Policy
	overrides map[convKey]Policy
}

// NewAuthority creates an authority with the given default policy
func NewAuthority(policy Policy) *Authority {
	return &Authority{
		policy:    policy,
		overrides: make(map[convKey]Policy),
	}
}

// SetPolicy sets the default policy
func (a *Authority) SetPolicy(policy Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policy = policy
}

// CurrentPolicy returns the default policy
func (a *Authority) CurrentPolicy() Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

// SetPeerPolicy overrides the policy for one conversation
func (a *Authority) SetPeerPolicy(local, peer string, policy Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overrides[convKey{local: local, peer: peer}] = policy
}

// ClearPeerPolicy removes a per-conversation override
func (a *Authority) ClearPeerPolicy(local, peer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.overrides, convKey{local: local, peer: peer})
}

// PolicyFor returns the effective policy for a conversation
func (a *Authority) PolicyFor(local, peer string) Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if p, ok := a.overrides[convKey{local: local, peer: peer}]; ok {
		return p
	}
	return a.policy
}
