package tracker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-bridge/internal/protocol"
	"github.com/rudransh-shrivastava/peer-bridge/internal/tracker/db"
	"github.com/rudransh-shrivastava/peer-bridge/internal/transport"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startServer(t *testing.T) *Server {
	t.Helper()
	gdb, err := db.Open(db.MemoryPath)
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Addr:   "127.0.0.1:0",
		DB:     gdb,
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown()
		<-done
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return srv
}

func dialClient(t *testing.T, srv *Server) (*Client, *transport.Transport) {
	t.Helper()
	tr, err := transport.NewTransport("127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, tr, srv.Addr(), srv.PublicKey())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, tr
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewServerRequiresDB(t *testing.T) {
	_, err := NewServer(Config{Addr: "127.0.0.1:0"})
	assert.Error(t, err)
}

func TestServerPing(t *testing.T) {
	srv := startServer(t)
	c, _ := dialClient(t, srv)
	assert.NoError(t, c.Ping(testContext(t)))
}

func TestServerAnnounceLookupExcludesSelf(t *testing.T) {
	srv := startServer(t)
	a, trA := dialClient(t, srv)
	b, trB := dialClient(t, srv)
	ctx := testContext(t)
	topic := protocol.Topic{0xaa}

	require.NoError(t, a.Announce(ctx, topic, ""))
	require.NoError(t, b.Announce(ctx, topic, "198.51.100.7:4000"))

	peers, err := a.Lookup(ctx, topic)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, trB.PublicKey(), peers[0].PublicKey[:])
	assert.Equal(t, "198.51.100.7:4000", peers[0].Addr)

	peers, err = b.Lookup(ctx, topic)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, trA.PublicKey(), peers[0].PublicKey[:])
	assert.Equal(t, trA.LocalAddr().String(), peers[0].Addr, "empty addr records the observed one")
}

func TestServerUnannounce(t *testing.T) {
	srv := startServer(t)
	a, _ := dialClient(t, srv)
	b, _ := dialClient(t, srv)
	ctx := testContext(t)
	topic := protocol.Topic{0x01}

	require.NoError(t, a.Announce(ctx, topic, ""))
	require.NoError(t, a.Unannounce(ctx, topic))

	peers, err := b.Lookup(ctx, topic)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestServerDropsAnnouncementsOnDisconnect(t *testing.T) {
	srv := startServer(t)
	a, _ := dialClient(t, srv)
	b, _ := dialClient(t, srv)
	ctx := testContext(t)
	topic := protocol.Topic{0x02}

	require.NoError(t, a.Announce(ctx, topic, ""))
	require.NoError(t, a.Close())

	assert.Eventually(t, func() bool {
		peers, err := b.Lookup(ctx, topic)
		return err == nil && len(peers) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServerRejectsUnexpectedMessage(t *testing.T) {
	srv := startServer(t)
	c, _ := dialClient(t, srv)

	reply, err := c.peer.Request(testContext(t), &protocol.Ack{})
	require.NoError(t, err)
	e, ok := reply.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrInvalidMsg, e.Code)
}
