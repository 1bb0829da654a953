package swarm

import (
	"bytes"
	"encoding/hex"
	"sync"

	"go.uber.org/multierr"
)

// ConnSet tracks at most one live connection per remote public key.
//
// When both sides dial each other at the same time, each ends up holding two
// connections to the same peer. Both sides keep the connection whose
// initiator has the lexicographically smaller public key, so they converge on
// the same one without coordinating.
type ConnSet struct {
	local []byte

	mu     sync.Mutex
	conns  map[string]*trackedConn
	closed bool
}

// NewConnSet returns an empty set for the node owning localKey.
func NewConnSet(localKey []byte) *ConnSet {
	return &ConnSet{
		local: append([]byte(nil), localKey...),
		conns: make(map[string]*trackedConn),
	}
}

// Admit registers c. It returns the connection to hand to consumers, or false
// if c lost the tie-break against an existing connection or points back at
// this node; in that case c has already been closed. A displaced connection
// is closed before Admit returns.
func (s *ConnSet) Admit(c Conn) (Conn, bool) {
	remote := c.RemotePublicKey()
	if bytes.Equal(remote, s.local) {
		_ = c.Close()
		return nil, false
	}
	key := hex.EncodeToString(remote)
	tracked := &trackedConn{Conn: c, set: s, key: key}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close()
		return nil, false
	}
	existing, ok := s.conns[key]
	if ok && !s.prefer(c, existing.Conn) {
		s.mu.Unlock()
		_ = c.Close()
		return nil, false
	}
	s.conns[key] = tracked
	s.mu.Unlock()

	if ok {
		_ = existing.Close()
	}
	return tracked, true
}

// Has reports whether a live connection to remote exists.
func (s *ConnSet) Has(remote []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[hex.EncodeToString(remote)]
	return ok
}

// Len returns the number of live connections.
func (s *ConnSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll closes every connection and refuses later admissions.
func (s *ConnSet) CloseAll() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*trackedConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// prefer reports whether candidate should replace existing.
func (s *ConnSet) prefer(candidate, existing Conn) bool {
	return bytes.Compare(s.initiatorKey(candidate), s.initiatorKey(existing)) < 0
}

func (s *ConnSet) initiatorKey(c Conn) []byte {
	if c.Initiator() {
		return s.local
	}
	return c.RemotePublicKey()
}

func (s *ConnSet) release(c *trackedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.key] == c {
		delete(s.conns, c.key)
	}
}

type trackedConn struct {
	Conn
	set  *ConnSet
	key  string
	once sync.Once
	err  error
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.set.release(c)
		c.err = c.Conn.Close()
	})
	return c.err
}
