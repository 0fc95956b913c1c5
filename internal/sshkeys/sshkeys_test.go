package sshkeys

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutKeys(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrNoKeyPair)
}

func TestEnsureKeyPairGeneratesOnceAndReuses(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC))

	first, err := EnsureKeyPair(dir, clock)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.PublicKey, "ssh-ed25519 "))
	assert.True(t, strings.HasSuffix(first.PublicKey, KeyComment))
	assert.NotEmpty(t, first.Passphrase)

	info, err := os.Stat(first.PrivateKeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	clock.Advance(time.Hour)
	second, err := EnsureKeyPair(dir, clock)
	require.NoError(t, err)
	assert.Equal(t, first.PrivateKeyPath, second.PrivateKeyPath)
	assert.Equal(t, first.PublicKey, second.PublicKey)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSignerMatchesPublicKey(t *testing.T) {
	dir := t.TempDir()
	pair, err := EnsureKeyPair(dir, nil)
	require.NoError(t, err)

	signer, err := pair.Signer()
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, pair.Passphrase, loaded.Passphrase)
}
