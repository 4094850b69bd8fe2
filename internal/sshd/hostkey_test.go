package sshd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateHostKeyCreatesThenReuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")

	first, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	require.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}

func TestGenerateEd25519SignerProducesUsableSigner(t *testing.T) {
	signer, pemBytes, err := generateEd25519Signer()
	require.NoError(t, err)
	require.NotNil(t, signer)
	require.NotEmpty(t, pemBytes)
	require.Equal(t, "ssh-ed25519", signer.PublicKey().Type())
}
