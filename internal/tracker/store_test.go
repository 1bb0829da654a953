package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-bridge/internal/protocol"
	"github.com/rudransh-shrivastava/peer-bridge/internal/tracker/db"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	gdb, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	now := time.Unix(1_700_000_000, 0)
	s := NewStore(gdb, time.Minute)
	s.now = func() time.Time { return now }
	return s, &now
}

func peerKey(b byte) [protocol.KeySize]byte {
	var k [protocol.KeySize]byte
	k[0] = b
	return k
}

func TestStoreAnnounceAndLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	topic := protocol.Topic{0x01}

	require.NoError(t, s.Announce(ctx, topic, peerKey(1), "192.0.2.1:1000"))
	require.NoError(t, s.Announce(ctx, topic, peerKey(2), "192.0.2.2:1000"))
	require.NoError(t, s.Announce(ctx, protocol.Topic{0x02}, peerKey(3), "192.0.2.3:1000"))

	peers, err := s.Lookup(ctx, topic, 0)
	require.NoError(t, err)
	assert.Len(t, peers, 2)

	addrs := map[string]bool{}
	for _, p := range peers {
		addrs[p.Addr] = true
	}
	assert.True(t, addrs["192.0.2.1:1000"])
	assert.True(t, addrs["192.0.2.2:1000"])
}

func TestStoreAnnounceRefreshesInsteadOfDuplicating(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	topic := protocol.Topic{0x01}

	require.NoError(t, s.Announce(ctx, topic, peerKey(1), "192.0.2.1:1000"))
	require.NoError(t, s.Announce(ctx, topic, peerKey(1), "192.0.2.1:2000"))

	peers, err := s.Lookup(ctx, topic, 0)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "192.0.2.1:2000", peers[0].Addr)
	assert.Equal(t, peerKey(1), peers[0].PublicKey)
}

func TestStoreExpiryAndPrune(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()
	topic := protocol.Topic{0x01}

	require.NoError(t, s.Announce(ctx, topic, peerKey(1), "a"))
	*now = now.Add(2 * time.Minute)

	peers, err := s.Lookup(ctx, topic, 0)
	require.NoError(t, err)
	assert.Empty(t, peers)

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStoreUnannounceAndRemovePeer(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, b := protocol.Topic{0x01}, protocol.Topic{0x02}

	require.NoError(t, s.Announce(ctx, a, peerKey(1), "x"))
	require.NoError(t, s.Announce(ctx, b, peerKey(1), "x"))
	require.NoError(t, s.Announce(ctx, b, peerKey(2), "y"))

	require.NoError(t, s.Unannounce(ctx, a, peerKey(1)))
	peers, err := s.Lookup(ctx, a, 0)
	require.NoError(t, err)
	assert.Empty(t, peers)

	key := peerKey(1)
	n, err := s.RemovePeer(ctx, key[:])
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	peers, err = s.Lookup(ctx, b, 0)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "y", peers[0].Addr)
}
