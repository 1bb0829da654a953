// Package registry maps stream ids to peer streams awaiting a local
// consumer.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/rudransh-shrivastava/peer-bridge/internal/peerstream"
)

// IDSize is the number of random bytes in a stream id.
const IDSize = 16

// ErrCollision is returned by Register when the id is already live.
var ErrCollision = errors.New("registry: stream id already registered")

// NewStreamID returns 128 random bits as 32 lowercase hex characters.
func NewStreamID() (string, error) {
	b := make([]byte, IDSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Entry describes one unpaired stream.
type Entry struct {
	ID     string `json:"stream_id"`
	Peer   string `json:"peer"`
	Client bool   `json:"client"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*peerstream.Stream
}

func New() *Registry {
	return &Registry{streams: make(map[string]*peerstream.Stream)}
}

// Register stores s under id. An existing entry is never replaced.
func (r *Registry) Register(id string, s *peerstream.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[id]; ok {
		return ErrCollision
	}
	r.streams[id] = s
	return nil
}

// Take removes and returns the stream for id. Only one caller can win.
func (r *Registry) Take(id string) (*peerstream.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	return s, ok
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[id]; !ok {
		return false
	}
	delete(r.streams, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Snapshot lists live entries ordered by id.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.streams))
	for id, s := range r.streams {
		entries = append(entries, Entry{ID: id, Peer: s.Peer(), Client: s.Initiator()})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// CloseAll empties the registry and closes every stream it held.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*peerstream.Stream)
	r.mu.Unlock()

	var err error
	for _, s := range streams {
		err = multierr.Append(err, s.Close())
	}
	return err
}
