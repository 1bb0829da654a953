package swarm

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
)

// MemoryNetwork is an in-process rendezvous for MemorySwarm instances.
// Joining a topic connects immediately to every compatible member: a lookup
// member dials every announcing member.
type MemoryNetwork struct {
	mu      sync.Mutex
	members map[Topic]map[*MemorySwarm]JoinOptions
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		members: make(map[Topic]map[*MemorySwarm]JoinOptions),
	}
}

// NewSwarm attaches a swarm identified by key. A nil key is replaced by a
// random one.
func (n *MemoryNetwork) NewSwarm(key []byte) *MemorySwarm {
	if key == nil {
		key = make([]byte, KeySize)
		_, _ = rand.Read(key)
	}
	return &MemorySwarm{
		network:  n,
		key:      append([]byte(nil), key...),
		conns:    NewConnSet(key),
		incoming: make(chan Conn, 64),
		done:     make(chan struct{}),
		topics:   make(map[Topic]JoinOptions),
	}
}

// MemorySwarm implements Swarm over net.Pipe.
type MemorySwarm struct {
	network  *MemoryNetwork
	key      []byte
	conns    *ConnSet
	incoming chan Conn
	done     chan struct{}

	mu        sync.RWMutex
	topics    map[Topic]JoinOptions
	destroyed bool
	closeOnce sync.Once
}

var _ Swarm = (*MemorySwarm)(nil)

// PublicKey returns the swarm's identity.
func (s *MemorySwarm) PublicKey() []byte {
	return s.key
}

func (s *MemorySwarm) Join(ctx context.Context, topic Topic, opts JoinOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.topics[topic] = opts
	s.mu.Unlock()

	type pair struct{ initiator, responder *MemorySwarm }
	var pairs []pair

	n := s.network
	n.mu.Lock()
	members, ok := n.members[topic]
	if !ok {
		members = make(map[*MemorySwarm]JoinOptions)
		n.members[topic] = members
	}
	members[s] = opts
	for other, otherOpts := range members {
		if other == s {
			continue
		}
		if opts.Lookup && otherOpts.Announce {
			pairs = append(pairs, pair{s, other})
		} else if opts.Announce && otherOpts.Lookup {
			pairs = append(pairs, pair{other, s})
		}
	}
	n.mu.Unlock()

	for _, p := range pairs {
		connectMemory(p.initiator, p.responder)
	}
	return nil
}

func (s *MemorySwarm) Leave(ctx context.Context, topic Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()

	n := s.network
	n.mu.Lock()
	if members, ok := n.members[topic]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(n.members, topic)
		}
	}
	n.mu.Unlock()
	return nil
}

func (s *MemorySwarm) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{PublicKey: s.key, Topics: len(s.topics)}
}

func (s *MemorySwarm) Connections() <-chan Conn {
	return s.incoming
}

func (s *MemorySwarm) Destroy(ctx context.Context) error {
	s.mu.RLock()
	topics := make([]Topic, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.RUnlock()
	for _, t := range topics {
		_ = s.Leave(ctx, t)
	}

	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	if !s.destroyed {
		s.destroyed = true
		close(s.incoming)
	}
	s.mu.Unlock()
	return s.conns.CloseAll()
}

// ConnectionCount reports live connections.
func (s *MemorySwarm) ConnectionCount() int {
	return s.conns.Len()
}

func (s *MemorySwarm) deliver(c Conn) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		_ = c.Close()
		return
	}
	select {
	case s.incoming <- c:
	case <-s.done:
		_ = c.Close()
	}
}

func connectMemory(initiator, responder *MemorySwarm) {
	if initiator.conns.Has(responder.key) {
		return
	}
	a, b := net.Pipe()
	local, ok := initiator.conns.Admit(&memoryConn{Conn: a, remote: responder.key, initiator: true})
	if !ok {
		_ = b.Close()
		return
	}
	remote, ok := responder.conns.Admit(&memoryConn{Conn: b, remote: initiator.key})
	if !ok {
		_ = local.Close()
		return
	}
	initiator.deliver(local)
	responder.deliver(remote)
}

type memoryConn struct {
	net.Conn
	remote    []byte
	initiator bool
}

func (c *memoryConn) RemotePublicKey() []byte { return c.remote }

func (c *memoryConn) Initiator() bool { return c.initiator }
