package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{
	APIKey:    "AKfE9fQb4mPq",
	APISecret: "s3cr3t-material",
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptCredentials(testCreds, "correct horse battery staple")
	require.NoError(t, err)

	got, err := DecryptCredentials(blob, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, testCreds, got)
}

func TestEncryptValidation(t *testing.T) {
	t.Run("empty password", func(t *testing.T) {
		_, err := EncryptCredentials(testCreds, "")
		require.Error(t, err)
	})

	t.Run("empty credentials", func(t *testing.T) {
		_, err := EncryptCredentials(Credentials{APIKey: "key"}, "pw")
		require.Error(t, err)
	})
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptCredentials(testCreds, "right")
	require.NoError(t, err)

	_, err = DecryptCredentials(blob, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	blob, err := EncryptCredentials(testCreds, "pw")
	require.NoError(t, err)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(blob, &stored))
	stored["ciphertext"] = "AAAA" + stored["ciphertext"].(string)[4:]
	tampered, err := json.Marshal(stored)
	require.NoError(t, err)

	_, err = DecryptCredentials(tampered, "pw")
	require.Error(t, err, "GCM authentication must reject modified ciphertext")
}

func TestDecryptUnsupportedVersion(t *testing.T) {
	blob, err := EncryptCredentials(testCreds, "pw")
	require.NoError(t, err)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(blob, &stored))
	stored["version"] = 99
	bumped, err := json.Marshal(stored)
	require.NoError(t, err)

	_, err = DecryptCredentials(bumped, "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestLoadCredentials(t *testing.T) {
	t.Run("raw pair wins", func(t *testing.T) {
		got, err := LoadCredentials(CredentialConfig{
			APIKey:        testCreds.APIKey,
			APISecret:     testCreds.APISecret,
			EncryptedPath: "/nonexistent/ignored.json",
		})
		require.NoError(t, err)
		assert.Equal(t, testCreds, got)
	})

	t.Run("encrypted file", func(t *testing.T) {
		blob, err := EncryptCredentials(testCreds, "pw")
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "creds.json")
		require.NoError(t, os.WriteFile(path, blob, 0o600))

		got, err := LoadCredentials(CredentialConfig{EncryptedPath: path, Password: "pw"})
		require.NoError(t, err)
		assert.Equal(t, testCreds, got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCredentials(CredentialConfig{EncryptedPath: "/nonexistent/creds.json", Password: "pw"})
		require.Error(t, err)
	})

	t.Run("no source", func(t *testing.T) {
		_, err := LoadCredentials(CredentialConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no credential source")
	})
}
