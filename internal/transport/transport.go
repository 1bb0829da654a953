// Package transport is a QUIC endpoint whose single UDP socket both accepts
// and dials, authenticated with self-signed Ed25519 certificates.
package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

var ErrUnexpectedPeer = errors.New("transport: unexpected peer key")

type Transport struct {
	udp       *net.UDPConn
	tr        *quic.Transport
	listener  *quic.Listener
	clientTLS *tls.Config
	quicConf  *quic.Config
	publicKey ed25519.PublicKey
	closed    atomic.Bool
}

// NewTransport binds addr. A nil key selects a fresh identity.
func NewTransport(addr string, key ed25519.PrivateKey) (*Transport, error) {
	cert, err := GenerateSelfSignedCert(key)
	if err != nil {
		return nil, fmt.Errorf("transport: certificate: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	tr := &quic.Transport{Conn: udp}
	quicConf := DefaultQUICConfig()
	listener, err := tr.Listen(ServerTLSConfig(cert), quicConf)
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("transport: quic listen: %w", err)
	}

	return &Transport{
		udp:       udp,
		tr:        tr,
		listener:  listener,
		clientTLS: ClientTLSConfig(cert),
		quicConf:  quicConf,
		publicKey: cert.PrivateKey.(ed25519.PrivateKey).Public().(ed25519.PublicKey),
	}, nil
}

// Accept waits for the next inbound connection. After Close it returns an
// error wrapping net.ErrClosed.
func (t *Transport) Accept(ctx context.Context) (*Peer, error) {
	conn, err := t.listener.Accept(ctx)
	if err != nil {
		if t.closed.Load() {
			return nil, fmt.Errorf("transport: accept: %w", net.ErrClosed)
		}
		return nil, err
	}
	peer, err := NewPeer(conn, false)
	if err != nil {
		_ = conn.CloseWithError(1, "no peer key")
		return nil, err
	}
	return peer, nil
}

func (t *Transport) Dial(ctx context.Context, addr string) (*Peer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := t.tr.Dial(ctx, udpAddr, t.clientTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	peer, err := NewPeer(conn, true)
	if err != nil {
		_ = conn.CloseWithError(1, "no peer key")
		return nil, err
	}
	return peer, nil
}

// DialPeer dials addr and checks that the remote presents expected.
func (t *Transport) DialPeer(ctx context.Context, addr string, expected []byte) (*Peer, error) {
	peer, err := t.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(peer.RemotePublicKey(), expected) {
		_ = peer.Close()
		return nil, ErrUnexpectedPeer
	}
	return peer, nil
}

func (t *Transport) LocalAddr() net.Addr {
	return t.udp.LocalAddr()
}

// PublicKey returns this endpoint's Ed25519 key.
func (t *Transport) PublicKey() []byte {
	return t.publicKey
}

func (t *Transport) Close() error {
	t.closed.Store(true)
	err := t.listener.Close()
	if cerr := t.tr.Close(); err == nil {
		err = cerr
	}
	if cerr := t.udp.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}
