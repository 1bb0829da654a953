package bridge

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-bridge/internal/control"
	"github.com/rudransh-shrivastava/peer-bridge/internal/swarm"
)

const waitTimeout = 3 * time.Second

var topicHex = strings.Repeat("ab", swarm.TopicSize)

type message struct {
	raw    string
	fields map[string]any
}

type harness struct {
	in      *io.PipeWriter
	msgs    chan message
	backlog []message
	done    chan struct{}
	err     error
	port    int
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startBridge(t *testing.T, sw swarm.Swarm, mutate func(*Options)) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	logger := quietLogger()
	opts := Options{
		Swarm:       sw,
		Control:     control.NewChannel(inR, outW, logger.WithField("component", "control")),
		PairingAddr: "127.0.0.1:0",
		Logger:      logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)

	h := &harness{in: inW, msgs: make(chan message, 128), done: make(chan struct{})}
	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var fields map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &fields); err == nil {
				h.msgs <- message{raw: scanner.Text(), fields: fields}
			}
		}
		close(h.msgs)
	}()
	go func() {
		h.err = b.Run(context.Background())
		_ = outW.Close()
		close(h.done)
	}()
	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
		}
	})

	ready := h.waitFor(t, func(m message) bool { return m.fields["event"] == control.EventReady })
	h.port = int(ready.fields["port"].(float64))
	require.NotZero(t, h.port)
	return h
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(h.in, line+"\n")
	require.NoError(t, err)
}

func (h *harness) waitFor(t *testing.T, match func(message) bool) message {
	t.Helper()
	for i, m := range h.backlog {
		if match(m) {
			h.backlog = append(h.backlog[:i], h.backlog[i+1:]...)
			return m
		}
	}
	deadline := time.After(waitTimeout)
	for {
		select {
		case m, ok := <-h.msgs:
			require.True(t, ok, "control output closed")
			if match(m) {
				return m
			}
			h.backlog = append(h.backlog, m)
		case <-deadline:
			t.Fatal("timed out waiting for control message")
			return message{}
		}
	}
}

func (h *harness) reply(t *testing.T, id string) message {
	t.Helper()
	return h.waitFor(t, func(m message) bool {
		raw, ok := m.fields["id"]
		if !ok {
			return false
		}
		encoded, _ := json.Marshal(raw)
		return string(encoded) == id
	})
}

func (h *harness) event(t *testing.T, name string) message {
	t.Helper()
	return h.waitFor(t, func(m message) bool { return m.fields["event"] == name })
}

func (h *harness) dialPairing(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", h.port), time.Second)
	require.NoError(t, err)
	_ = conn.SetDeadline(time.Now().Add(waitTimeout))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func key(b byte) []byte {
	k := make([]byte, swarm.KeySize)
	for i := range k {
		k[i] = b
	}
	return k
}

func receiveConn(t *testing.T, s *swarm.MemorySwarm) swarm.Conn {
	t.Helper()
	select {
	case c := <-s.Connections():
		require.NotNil(t, c)
		return c
	case <-time.After(waitTimeout):
		t.Fatal("remote swarm saw no connection")
		return nil
	}
}

func TestJoinRepliesFlushed(t *testing.T) {
	network := swarm.NewMemoryNetwork()
	h := startBridge(t, network.NewSwarm(key(1)), nil)

	h.send(t, `{"id":1,"method":"join","args":{"topic":"`+topicHex+`"}}`)
	assert.Equal(t, `{"id":1,"result":{"status":"flushed"}}`, h.reply(t, "1").raw)

	h.send(t, `{"id":2,"method":"leave","args":{"topic":"`+topicHex+`"}}`)
	assert.Equal(t, `{"id":2,"result":{"status":"left"}}`, h.reply(t, "2").raw)
}

func TestJoinThenLeaveAppliesInArrivalOrder(t *testing.T) {
	sw := swarm.NewMemoryNetwork().NewSwarm(key(1))
	h := startBridge(t, sw, nil)

	for round := 0; round < 50; round++ {
		joinID, leaveID := fmt.Sprint(2*round+1), fmt.Sprint(2*round+2)
		lines := fmt.Sprintf(`{"id":%s,"method":"join","args":{"topic":"%s"}}`+"\n"+
			`{"id":%s,"method":"leave","args":{"topic":"%s"}}`+"\n", joinID, topicHex, leaveID, topicHex)
		_, err := io.WriteString(h.in, lines)
		require.NoError(t, err)

		h.reply(t, joinID)
		h.reply(t, leaveID)
		require.Zero(t, sw.Info().Topics, "round %d left the topic joined", round)
	}
}

type countingSwarm struct {
	*swarm.MemorySwarm
	joins atomic.Int32
}

func (c *countingSwarm) Join(ctx context.Context, topic swarm.Topic, opts swarm.JoinOptions) error {
	c.joins.Add(1)
	return c.MemorySwarm.Join(ctx, topic, opts)
}

func TestJoinInvalidTopicNeverReachesSwarm(t *testing.T) {
	sw := &countingSwarm{MemorySwarm: swarm.NewMemoryNetwork().NewSwarm(key(1))}
	h := startBridge(t, sw, nil)

	for i, topic := range []string{"", "abcd", strings.Repeat("ab", 33), strings.Repeat("zz", 32)} {
		id := fmt.Sprint(i + 10)
		h.send(t, fmt.Sprintf(`{"id":%s,"method":"join","args":{"topic":%q}}`, id, topic))
		result := h.reply(t, id).fields["result"].(map[string]any)
		assert.Contains(t, result["error"], "invalid topic")
	}
	h.send(t, `{"id":20,"method":"join","args":"oops"}`)
	assert.Contains(t, h.reply(t, "20").fields["result"].(map[string]any)["error"], "bad args")

	assert.Zero(t, sw.joins.Load())
}

func TestUnknownMethod(t *testing.T) {
	h := startBridge(t, swarm.NewMemoryNetwork().NewSwarm(key(1)), nil)

	h.send(t, `{"id":"x","method":"bogus"}`)
	assert.Equal(t, `{"id":"x","result":{"error":"Unknown method"}}`, h.reply(t, `"x"`).raw)
}

func TestRequestsWithoutIDGetNoReply(t *testing.T) {
	h := startBridge(t, swarm.NewMemoryNetwork().NewSwarm(key(1)), nil)

	h.send(t, `{"method":"getinfo"}`)
	h.send(t, `{"id":null,"method":"getinfo"}`)
	h.send(t, `garbage`)
	h.send(t, `{"id":0,"method":"getinfo"}`)

	h.reply(t, "0")
	for _, m := range h.backlog {
		_, hasID := m.fields["id"]
		assert.False(t, hasID, "unexpected reply %s", m.raw)
	}
}

func TestGetInfo(t *testing.T) {
	network := swarm.NewMemoryNetwork()
	h := startBridge(t, network.NewSwarm(key(3)), nil)

	h.send(t, `{"id":1,"method":"join","args":{"topic":"`+topicHex+`","options":{"lookup":false}}}`)
	h.reply(t, "1")
	h.send(t, `{"id":2,"method":"getinfo"}`)

	var reply struct {
		Result Info `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(h.reply(t, "2").raw), &reply))
	assert.Equal(t, h.port, reply.Result.Port)
	assert.Nil(t, reply.Result.DHTPort)
	assert.Equal(t, hex.EncodeToString(key(3)), reply.Result.PublicKey)
	assert.Equal(t, 1, reply.Result.Topics)
	assert.Zero(t, reply.Result.Streams)
}

func connectRemote(t *testing.T, h *harness, network *swarm.MemoryNetwork, remoteKey []byte) (swarm.Conn, string) {
	t.Helper()
	remote := network.NewSwarm(remoteKey)
	t.Cleanup(func() { _ = remote.Destroy(context.Background()) })
	topic, err := swarm.ParseTopic(topicHex)
	require.NoError(t, err)
	require.NoError(t, remote.Join(context.Background(), topic, swarm.JoinOptions{Lookup: true}))
	conn := receiveConn(t, remote)

	peer := hex.EncodeToString(remoteKey)
	ev := h.waitFor(t, func(m message) bool {
		return m.fields["event"] == control.EventConnection && m.fields["peer"] == peer
	})
	assert.Equal(t, false, ev.fields["client"])
	return conn, ev.fields["stream_id"].(string)
}

func joinTopic(t *testing.T, h *harness) {
	t.Helper()
	h.send(t, `{"id":"join","method":"join","args":{"topic":"`+topicHex+`"}}`)
	h.reply(t, `"join"`)
}

func TestPingPongThroughPairing(t *testing.T) {
	network := swarm.NewMemoryNetwork()
	h := startBridge(t, network.NewSwarm(key(1)), nil)
	joinTopic(t, h)

	remote, streamID := connectRemote(t, h, network, key(2))
	assert.Regexp(t, `^[0-9a-f]{32}$`, streamID)

	local := h.dialPairing(t)
	_, err := local.Write([]byte(streamID + "\nPING"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(buf))

	go func() { _, _ = remote.Write([]byte("PONG")) }()
	_, err = io.ReadFull(local, buf)
	require.NoError(t, err)
	assert.Equal(t, "PONG", string(buf))

	require.NoError(t, remote.Close())
	n, err := local.Read(buf)
	assert.Zero(t, n)
	assert.Error(t, err)

	ev := h.event(t, control.EventDisconnection)
	assert.Equal(t, streamID, ev.fields["stream_id"])
}

func TestLocalCloseClosesRemote(t *testing.T) {
	network := swarm.NewMemoryNetwork()
	h := startBridge(t, network.NewSwarm(key(1)), nil)
	joinTopic(t, h)

	remote, streamID := connectRemote(t, h, network, key(2))
	local := h.dialPairing(t)
	_, err := local.Write([]byte(streamID + "\n"))
	require.NoError(t, err)

	// Wait until the pairing has taken the stream.
	deadline := time.Now().Add(waitTimeout)
	for {
		h.send(t, `{"id":"s","method":"streams"}`)
		result := h.reply(t, `"s"`).fields["result"].(map[string]any)
		if len(result["streams"].([]any)) == 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "stream was never paired")
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, local.Close())
	_, err = remote.Read(make([]byte, 1))
	assert.Error(t, err)
	h.event(t, control.EventDisconnection)
}

func TestUnknownStreamIDClosesWithoutData(t *testing.T) {
	network := swarm.NewMemoryNetwork()
	h := startBridge(t, network.NewSwarm(key(1)), nil)

	local := h.dialPairing(t)
	_, err := local.Write([]byte(strings.Repeat("0", 32) + "\nPING"))
	require.NoError(t, err)
	n, err := local.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.Error(t, err)
}

func TestSecondConsumerForSameIDRejected(t *testing.T) {
	network := swarm.NewMemoryNetwork()
	h := startBridge(t, network.NewSwarm(key(1)), nil)
	joinTopic(t, h)
	remote, streamID := connectRemote(t, h, network, key(2))

	first := h.dialPairing(t)
	_, err := first.Write([]byte(streamID + "\nA"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)

	second := h.dialPairing(t)
	_, err = second.Write([]byte(streamID + "\nB"))
	require.NoError(t, err)
	n, err := second.Read(buf)
	assert.Zero(t, n)
	assert.Error(t, err)
}

func TestPeerCloseBeforePairingReportsDisconnection(t *testing.T) {
	network := swarm.NewMemoryNetwork()
	h := startBridge(t, network.NewSwarm(key(1)), nil)
	joinTopic(t, h)
	remote, streamID := connectRemote(t, h, network, key(2))

	h.send(t, `{"id":"s1","method":"streams"}`)
	var listed struct {
		Result StreamsResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(h.reply(t, `"s1"`).raw), &listed))
	require.Len(t, listed.Result.Streams, 1)
	assert.Equal(t, streamID, listed.Result.Streams[0].ID)
	assert.Equal(t, hex.EncodeToString(key(2)), listed.Result.Streams[0].Peer)

	require.NoError(t, remote.Close())
	ev := h.event(t, control.EventDisconnection)
	assert.Equal(t, streamID, ev.fields["stream_id"])

	local := h.dialPairing(t)
	_, err := local.Write([]byte(streamID + "\n"))
	require.NoError(t, err)
	n, err := local.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.Error(t, err)
}

func TestUnpairedTimeoutClosesStream(t *testing.T) {
	network := swarm.NewMemoryNetwork()
	h := startBridge(t, network.NewSwarm(key(1)), func(o *Options) {
		o.UnpairedTimeout = 50 * time.Millisecond
	})
	joinTopic(t, h)
	remote, streamID := connectRemote(t, h, network, key(2))

	ev := h.event(t, control.EventDisconnection)
	assert.Equal(t, streamID, ev.fields["stream_id"])
	_, err := remote.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestStreamIDCollisionRegenerates(t *testing.T) {
	var mu sync.Mutex
	ids := []string{"aa", "aa", "bb"}
	network := swarm.NewMemoryNetwork()
	h := startBridge(t, network.NewSwarm(key(1)), func(o *Options) {
		o.newID = func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			id := ids[0]
			ids = ids[1:]
			return id, nil
		}
	})
	joinTopic(t, h)

	_, first := connectRemote(t, h, network, key(2))
	_, second := connectRemote(t, h, network, key(3))
	assert.Equal(t, "aa", first)
	assert.Equal(t, "bb", second)
}

func TestDestroyRepliesAndStops(t *testing.T) {
	network := swarm.NewMemoryNetwork()
	local := network.NewSwarm(key(1))
	h := startBridge(t, local, nil)
	joinTopic(t, h)
	remote, _ := connectRemote(t, h, network, key(2))

	h.send(t, `{"id":9,"method":"destroy"}`)
	assert.Equal(t, `{"id":9,"result":{"status":"destroyed"}}`, h.reply(t, "9").raw)

	select {
	case <-h.done:
		assert.NoError(t, h.err)
	case <-time.After(waitTimeout):
		t.Fatal("bridge did not stop after destroy")
	}
	_, err := remote.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Zero(t, local.ConnectionCount())
}

func TestControllerEOFStops(t *testing.T) {
	h := startBridge(t, swarm.NewMemoryNetwork().NewSwarm(key(1)), nil)
	require.NoError(t, h.in.Close())

	select {
	case <-h.done:
		assert.NoError(t, h.err)
	case <-time.After(waitTimeout):
		t.Fatal("bridge did not stop on controller EOF")
	}
}

func TestNewRequiresSwarmAndControl(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Swarm: swarm.NewMemoryNetwork().NewSwarm(nil)})
	assert.Error(t, err)
}
