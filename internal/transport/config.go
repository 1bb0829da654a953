package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpn            = "peer-bridge"
	certValidityDur = 365 * 24 * time.Hour
)

var ErrNoPeerKey = errors.New("transport: peer certificate has no Ed25519 key")

func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// ServerTLSConfig requires every client to present a certificate so both
// ends learn each other's key.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		NextProtos:            []string{alpn},
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: verifyEd25519Cert,
	}
}

// ClientTLSConfig trusts any self-signed peer certificate carrying an
// Ed25519 key; callers that know the expected key compare it after the
// handshake.
func ClientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true,
		NextProtos:            []string{alpn},
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: verifyEd25519Cert,
	}
}

func verifyEd25519Cert(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerKey
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("transport: parse peer certificate: %w", err)
	}
	if _, ok := cert.PublicKey.(ed25519.PublicKey); !ok {
		return ErrNoPeerKey
	}
	return cert.CheckSignatureFrom(cert)
}

// GenerateSelfSignedCert wraps key in a self-signed certificate. A nil key
// is replaced by a fresh one.
func GenerateSelfSignedCert(key ed25519.PrivateKey) (tls.Certificate, error) {
	if key == nil {
		var err error
		_, key, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return tls.Certificate{}, err
		}
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		BasicConstraintsValid: true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		NotAfter:              time.Now().Add(certValidityDur),
		NotBefore:             time.Now().Add(-time.Hour),
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"peer-bridge"}},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
