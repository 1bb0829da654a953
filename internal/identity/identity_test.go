package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
}

func TestLoadOrCreateEphemeral(t *testing.T) {
	a, err := LoadOrCreate("")
	require.NoError(t, err)
	b, err := LoadOrCreate("")
	require.NoError(t, err)
	assert.False(t, a.Equals(b))
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o600))
	_, err := LoadOrCreate(path)
	assert.Error(t, err)
}

func TestEd25519Conversion(t *testing.T) {
	priv, err := Generate()
	require.NoError(t, err)

	pub, err := PublicKey(priv)
	require.NoError(t, err)
	assert.Len(t, pub, ed25519.PublicKeySize)

	key, err := Ed25519(priv)
	require.NoError(t, err)
	assert.Equal(t, ed25519.PublicKey(pub), key.Public())

	sig := ed25519.Sign(key, []byte("msg"))
	ok, err := priv.GetPublic().Verify([]byte("msg"), sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEd25519RejectsOtherKeyTypes(t *testing.T) {
	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)
	_, err = Ed25519(priv)
	assert.ErrorIs(t, err, ErrNotEd25519)
}
