// Package swarm defines the peer-to-peer capability the bridge drives: topic
// membership, discovery flush, and a feed of duplex peer connections.
//
// Concrete backends live in subpackages (dht, rendezvous). MemoryNetwork is
// an in-process implementation used by tests.
package swarm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// TopicSize is the fixed length of a rendezvous topic in bytes.
	TopicSize = 32
	// KeySize is the length of a peer public key in bytes.
	KeySize = 32
)

var (
	ErrInvalidTopic = errors.New("invalid topic")
	ErrDestroyed    = errors.New("swarm destroyed")
)

// Topic is a 32-byte rendezvous namespace identifier.
type Topic [TopicSize]byte

// ParseTopic decodes a 64-character hex string. Any other decoded length is
// rejected.
func ParseTopic(s string) (Topic, error) {
	var t Topic
	raw, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}
	return TopicFromBytes(raw)
}

// TopicFromBytes copies raw into a Topic, failing unless it is exactly
// TopicSize bytes.
func TopicFromBytes(raw []byte) (Topic, error) {
	var t Topic
	if len(raw) != TopicSize {
		return t, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidTopic, TopicSize, len(raw))
	}
	copy(t[:], raw)
	return t, nil
}

func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// JoinOptions controls whether this node advertises itself and/or searches
// for peers under a topic.
type JoinOptions struct {
	Announce bool
	Lookup   bool
}

// DefaultJoinOptions announces and looks up.
func DefaultJoinOptions() JoinOptions {
	return JoinOptions{Announce: true, Lookup: true}
}

// Conn is a duplex byte stream to one remote peer.
type Conn interface {
	io.ReadWriteCloser
	// RemotePublicKey returns the remote peer's KeySize-byte public key.
	RemotePublicKey() []byte
	// Initiator reports whether this side opened the connection.
	Initiator() bool
}

// Info is synchronous introspection of a running swarm.
type Info struct {
	PublicKey []byte
	// Port is the swarm's listening port, or 0 if it has none.
	Port   int
	Topics int
}

// Swarm is the peer-to-peer capability.
type Swarm interface {
	// Join starts announcing and/or looking up a topic. It returns only once
	// the discovery round has flushed.
	Join(ctx context.Context, topic Topic, opts JoinOptions) error
	// Leave stops announcing and looking up a topic.
	Leave(ctx context.Context, topic Topic) error
	Info() Info
	// Connections yields every new peer connection. The channel is closed by
	// Destroy.
	Connections() <-chan Conn
	// Destroy leaves all topics and closes every connection.
	Destroy(ctx context.Context) error
}
