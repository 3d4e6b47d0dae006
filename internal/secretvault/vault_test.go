package secretvault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	v, err := Open(key)
	require.NoError(t, err)

	enc, err := v.Encrypt("pass_SECRET_1")
	require.NoError(t, err)
	require.NotContains(t, string(enc), "pass_SECRET_1")

	plain, err := v.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "pass_SECRET_1", plain)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)
	v1, err := Open(k1)
	require.NoError(t, err)
	v2, err := Open(k2)
	require.NoError(t, err)

	enc, err := v1.Encrypt("secret")
	require.NoError(t, err)
	_, err = v2.Decrypt(enc)
	require.Error(t, err)
}

func TestOpenEmptyKeyNotConfigured(t *testing.T) {
	_, err := Open("")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestOpenRejectsBadKeyMaterial(t *testing.T) {
	_, err := Open("not-base64!!")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotConfigured)
}

func TestLoadOrGenerateKeyFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "field.key")

	first, err := LoadOrGenerateKeyFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := LoadOrGenerateKeyFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
