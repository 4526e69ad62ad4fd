// Package identity maps IRC transport identities (nickname plus the
// connection they were seen on) to the flat session identity strings used to
// key OTR conversations, and back.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const separator = "@"

var (
	// ErrUnknownIdentity is returned by Reverse for identities that were
	// never issued, or whose connection has been closed.
	ErrUnknownIdentity = errors.New("identity: unknown identity")

	// ErrUnknownConnection is returned when encoding against a connection
	// that is not registered.
	ErrUnknownConnection = errors.New("identity: unknown connection")

	// ErrInvalidNickname is returned for empty nicknames or nicknames that
	// contain characters IRC does not allow.
	ErrInvalidNickname = errors.New("identity: invalid nickname")

	// ErrInvalidConnection is returned for malformed connection refs.
	ErrInvalidConnection = errors.New("identity: invalid connection ref")
)

// SessionIdentity is the opaque key for one side of an OTR conversation.
type SessionIdentity string

// ConnectionRef identifies one logical IRC connection.
type ConnectionRef string

// CaseMapping selects how nicknames are folded before they become part of a
// session identity.
type CaseMapping int

const (
	// CaseMappingNone keeps nicknames as given.
	CaseMappingNone CaseMapping = iota
	// CaseMappingASCII folds A-Z only.
	CaseMappingASCII
	// CaseMappingRFC1459 additionally folds []\~ to {}|^.
	CaseMappingRFC1459
)

// ParseCaseMapping parses the ISUPPORT CASEMAPPING token names.
func ParseCaseMapping(s string) (CaseMapping, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CaseMappingNone, nil
	case "ascii":
		return CaseMappingASCII, nil
	case "rfc1459":
		return CaseMappingRFC1459, nil
	default:
		return CaseMappingNone, fmt.Errorf("unknown case mapping %q", s)
	}
}

func (m CaseMapping) fold(nick string) string {
	if m == CaseMappingNone {
		return nick
	}
	b := []byte(nick)
	for i, c := range b {
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case m == CaseMappingRFC1459 && c == '[':
			b[i] = '{'
		case m == CaseMappingRFC1459 && c == ']':
			b[i] = '}'
		case m == CaseMappingRFC1459 && c == '\\':
			b[i] = '|'
		case m == CaseMappingRFC1459 && c == '~':
			b[i] = '^'
		}
	}
	return string(b)
}

type entry struct {
	nick string
	conn ConnectionRef
}

// Codec issues session identities and resolves them back.
type Codec struct {
	mu      sync.RWMutex
	mapping CaseMapping
	conns   map[ConnectionRef]map[SessionIdentity]struct{}
	issued  map[SessionIdentity]entry
}

// NewCodec creates a new codec
func NewCodec(mapping CaseMapping) *Codec {
	return &Codec{
		mapping: mapping,
		conns:   make(map[ConnectionRef]map[SessionIdentity]struct{}),
		issued:  make(map[SessionIdentity]entry),
	}
}

// NewConnection registers a fresh connection and returns its ref.
func (c *Codec) NewConnection() ConnectionRef {
	ref := ConnectionRef(uuid.NewString())
	c.mu.Lock()
	c.conns[ref] = make(map[SessionIdentity]struct{})
	c.mu.Unlock()
	return ref
}

// RegisterConnection registers a host-supplied connection ref. Registering
// an already known ref is a no-op.
func (c *Codec) RegisterConnection(ref ConnectionRef) error {
	if err := validateConn(ref); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.conns[ref]; !ok {
		c.conns[ref] = make(map[SessionIdentity]struct{})
	}
	return nil
}

// CloseConnection tears down a connection and returns every identity that
// was issued under it. Those identities no longer resolve.
func (c *Codec) CloseConnection(ref ConnectionRef) []SessionIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.conns[ref]
	delete(c.conns, ref)

	out := make([]SessionIdentity, 0, len(ids))
	for id := range ids {
		delete(c.issued, id)
		out = append(out, id)
	}
	return out
}

// Encode returns the session identity for nick on conn.
func (c *Codec) Encode(nick string, conn ConnectionRef) (SessionIdentity, error) {
	if err := validateNick(nick); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids, ok := c.conns[conn]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, conn)
	}

	// Spellings that fold together share the identity; Reverse reports the
	// latest one, which is how the peer currently appears on the network.
	id := SessionIdentity(c.mapping.fold(nick) + separator + string(conn))
	ids[id] = struct{}{}
	c.issued[id] = entry{nick: nick, conn: conn}
	return id, nil
}

// Reverse resolves an identity to the nickname and connection it was issued
// for.
func (c *Codec) Reverse(id SessionIdentity) (string, ConnectionRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.issued[id]
	if !ok {
		return "", "", ErrUnknownIdentity
	}
	return e.nick, e.conn, nil
}

// Nickname returns the nickname part of id.
func (c *Codec) Nickname(id SessionIdentity) (string, error) {
	nick, _, err := c.Reverse(id)
	return nick, err
}

// Connection returns the connection part of id.
func (c *Codec) Connection(id SessionIdentity) (ConnectionRef, error) {
	_, conn, err := c.Reverse(id)
	return conn, err
}

// Split parses the structure of id without consulting the registry.
func Split(id SessionIdentity) (string, ConnectionRef, bool) {
	s := string(id)
	i := strings.LastIndex(s, separator)
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], ConnectionRef(s[i+1:]), true
}

func validateNick(nick string) error {
	if nick == "" || strings.ContainsAny(nick, separator+" \t\r\n\x00,") {
		return fmt.Errorf("%w: %q", ErrInvalidNickname, nick)
	}
	return nil
}

func validateConn(ref ConnectionRef) error {
	if ref == "" || strings.ContainsAny(string(ref), separator+" \t\r\n\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidConnection, ref)
	}
	return nil
}
