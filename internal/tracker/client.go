package tracker

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/rudransh-shrivastava/peer-bridge/internal/protocol"
	"github.com/rudransh-shrivastava/peer-bridge/internal/transport"
)

// Client talks to one tracker over a shared transport.
type Client struct {
	peer *transport.Peer
}

// Dial connects to the tracker at addr. A non-nil key pins the tracker's
// identity.
func Dial(ctx context.Context, tr *transport.Transport, addr string, key []byte) (*Client, error) {
	var (
		peer *transport.Peer
		err  error
	)
	if key != nil {
		peer, err = tr.DialPeer(ctx, addr, key)
	} else {
		peer, err = tr.Dial(ctx, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: dial %s: %w", addr, err)
	}
	return &Client{peer: peer}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.peer.Request(ctx, &protocol.Ping{})
	if err != nil {
		return err
	}
	return expect[*protocol.Pong](reply)
}

// Announce registers this node under topic. An empty addr lets the tracker
// record the address it observes.
func (c *Client) Announce(ctx context.Context, topic protocol.Topic, addr string) error {
	reply, err := c.peer.Request(ctx, &protocol.Announce{Topic: topic, Addr: addr})
	if err != nil {
		return err
	}
	return expect[*protocol.Ack](reply)
}

func (c *Client) Unannounce(ctx context.Context, topic protocol.Topic) error {
	reply, err := c.peer.Request(ctx, &protocol.Unannounce{Topic: topic})
	if err != nil {
		return err
	}
	return expect[*protocol.Ack](reply)
}

// Lookup returns the other announcers of topic.
func (c *Client) Lookup(ctx context.Context, topic protocol.Topic) ([]protocol.PeerRecord, error) {
	reply, err := c.peer.Request(ctx, &protocol.Lookup{Topic: topic})
	if err != nil {
		return nil, err
	}
	if err := expect[*protocol.PeerList](reply); err != nil {
		return nil, err
	}
	return reply.(*protocol.PeerList).Peers, nil
}

// Done is closed when the tracker connection drops.
func (c *Client) Done() <-chan struct{} {
	return c.peer.Done()
}

func (c *Client) Close() error {
	return c.peer.Close()
}

func expect[T protocol.Message](reply protocol.Message) error {
	if e, ok := reply.(*protocol.Error); ok {
		return e
	}
	if _, ok := reply.(T); !ok {
		return fmt.Errorf("tracker: unexpected reply %s", reply.Type())
	}
	return nil
}

func topicString(t protocol.Topic) string {
	return hex.EncodeToString(t[:])
}
