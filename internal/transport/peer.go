package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/rudransh-shrivastava/peer-bridge/internal/protocol"
)

// Peer is one QUIC connection. Requests use a fresh stream each.
type Peer struct {
	codec     *protocol.Codec
	conn      *quic.Conn
	publicKey ed25519.PublicKey
	initiator bool
}

// NewPeer wraps an established connection and extracts the remote key from
// its certificate.
func NewPeer(conn *quic.Conn, initiator bool) (*Peer, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return nil, ErrNoPeerKey
	}
	key, ok := certs[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNoPeerKey
	}
	return &Peer{
		codec:     protocol.NewCodec(),
		conn:      conn,
		publicKey: key,
		initiator: initiator,
	}, nil
}

func (p *Peer) AcceptDataStream(ctx context.Context) (*quic.Stream, error) {
	return p.conn.AcceptStream(ctx)
}

func (p *Peer) OpenDataStream(ctx context.Context) (*quic.Stream, error) {
	return p.conn.OpenStreamSync(ctx)
}

func (p *Peer) Close() error {
	return p.conn.CloseWithError(0, "")
}

// Done is closed when the connection is gone.
func (p *Peer) Done() <-chan struct{} {
	return p.conn.Context().Done()
}

// Request sends msg on a new stream and waits for the single reply.
func (p *Peer) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	defer stream.CancelRead(0)

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if err := p.codec.Encode(stream, msg); err != nil {
		return nil, fmt.Errorf("transport: send %s: %w", msg.Type(), err)
	}
	if err := stream.Close(); err != nil {
		return nil, err
	}
	reply, err := p.codec.Decode(stream)
	if err != nil {
		return nil, fmt.Errorf("transport: receive reply to %s: %w", msg.Type(), err)
	}
	return reply, nil
}

func (p *Peer) ReceiveFromStream(stream io.Reader) (protocol.Message, error) {
	return p.codec.Decode(stream)
}

func (p *Peer) SendOnStream(stream io.Writer, msg protocol.Message) error {
	return p.codec.Encode(stream, msg)
}

func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// RemotePublicKey returns the peer's Ed25519 key.
func (p *Peer) RemotePublicKey() []byte {
	return p.publicKey
}

// Initiator reports whether this side dialed.
func (p *Peer) Initiator() bool {
	return p.initiator
}
