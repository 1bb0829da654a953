// Package identity loads and persists the node's Ed25519 key pair.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

var ErrNotEd25519 = errors.New("identity: key is not Ed25519")

// LoadOrCreate reads the key stored at path, generating and saving a new one
// if the file does not exist. An empty path yields an ephemeral key.
func LoadOrCreate(path string) (crypto.PrivKey, error) {
	if path == "" {
		return Generate()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("identity: decode %s: %w", path, err)
		}
		if priv.Type() != crypto.Ed25519 {
			return nil, ErrNotEd25519
		}
		return priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	priv, err := Generate()
	if err != nil {
		return nil, err
	}
	data, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("identity: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", path, err)
	}
	return priv, nil
}

// Generate returns a fresh Ed25519 key.
func Generate() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return priv, nil
}

// PublicKey returns the raw 32-byte public key.
func PublicKey(priv crypto.PrivKey) ([]byte, error) {
	return priv.GetPublic().Raw()
}

// Ed25519 converts priv for use with crypto/tls.
func Ed25519(priv crypto.PrivKey) (ed25519.PrivateKey, error) {
	if priv.Type() != crypto.Ed25519 {
		return nil, ErrNotEd25519
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: unexpected key length %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
