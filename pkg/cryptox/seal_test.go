package cryptox_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aussiebroadwan/portal/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	t.Parallel()

	s, err := cryptox.NewSealer([]byte("test-master-key-for-encryption-12345"), "tokens")
	require.NoError(t, err)

	plaintext := []byte(`{"access":"a","refresh":"r"}`)

	sealed1, err := s.Seal(plaintext)
	require.NoError(t, err)
	sealed2, err := s.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, sealed1, sealed2, "random nonce per seal")

	opened, err := s.Open(sealed1)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenRejects(t *testing.T) {
	t.Parallel()

	s, err := cryptox.NewSealer([]byte("key-a"), "tokens")
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("secret"))
	require.NoError(t, err)

	t.Run("different key", func(t *testing.T) {
		other, err := cryptox.NewSealer([]byte("key-b"), "tokens")
		require.NoError(t, err)
		_, err = other.Open(sealed)
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})

	t.Run("different purpose", func(t *testing.T) {
		other, err := cryptox.NewSealer([]byte("key-a"), "something-else")
		require.NoError(t, err)
		_, err = other.Open(sealed)
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})

	t.Run("tampered", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[len(bad)-1] ^= 0xff
		_, err := s.Open(bad)
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := s.Open([]byte("short"))
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})
}

func TestNewSealerEmptyKey(t *testing.T) {
	t.Parallel()

	_, err := cryptox.NewSealer(nil, "tokens")
	require.Error(t, err)
}

func TestLoadOrCreateKeyMaterial(t *testing.T) {
	t.Parallel()

	t.Run("explicit value wins", func(t *testing.T) {
		key, err := cryptox.LoadOrCreateKeyMaterial("from-env", filepath.Join(t.TempDir(), "key"))
		require.NoError(t, err)
		require.Equal(t, []byte("from-env"), key)
	})

	t.Run("creates then reuses key file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "master.key")

		first, err := cryptox.LoadOrCreateKeyMaterial("", path)
		require.NoError(t, err)
		require.NotEmpty(t, first)

		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		second, err := cryptox.LoadOrCreateKeyMaterial("", path)
		require.NoError(t, err)
		require.Equal(t, first, second)
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := cryptox.LoadOrCreateKeyMaterial("", "")
		require.Error(t, err)
	})
}
