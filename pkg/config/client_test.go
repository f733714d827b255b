package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NebulaChat/nebula-node/pkg/crypto"
)

func TestClientConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nebula", "config.toml")

	cfg, err := NewClientConfig("alice")
	require.NoError(t, err)
	require.Len(t, cfg.Keypair, crypto.KeypairSize)
	cfg.RelayURL = "example.onion:80"

	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	want, err := cfg.Identity()
	require.NoError(t, err)
	got, err := loaded.Identity()
	require.NoError(t, err)
	assert.Equal(t, want.PublicKey(), got.PublicKey())
}

func TestClientConfigOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	first, err := NewClientConfig("alice")
	require.NoError(t, err)
	require.NoError(t, first.Save(path))

	second, err := NewClientConfig("bob")
	require.NoError(t, err)
	require.NoError(t, second.Save(path))

	loaded, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", loaded.Username)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLoadClientConfigNotFound(t *testing.T) {
	_, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadClientConfigCorrupt(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not toml", body: "this is = = not toml"},
		{name: "wrong type", body: "username = 7\nkeypair = []"},
		{name: "short keypair", body: "username = \"alice\"\nkeypair = [1, 2, 3]"},
		{name: "missing keypair", body: "username = \"alice\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0600))

			_, err := LoadClientConfig(path)
			assert.ErrorIs(t, err, ErrConfigCorrupt)
		})
	}
}

func TestClientConfigMismatchedKeypair(t *testing.T) {
	cfg, err := NewClientConfig("alice")
	require.NoError(t, err)
	cfg.Keypair[len(cfg.Keypair)-1] ^= 0xff

	_, err = cfg.Identity()
	assert.ErrorIs(t, err, ErrConfigCorrupt)
}

func TestValidateUsername(t *testing.T) {
	for _, ok := range []string{"alice", "bob_42", "nébula"} {
		assert.NoError(t, ValidateUsername(ok), ok)
	}
	for _, bad := range []string{"", " alice", "alice\n", "a\x00b", strings.Repeat("x", maxUsernameLength+1)} {
		assert.ErrorIs(t, ValidateUsername(bad), ErrInvalidUsername, "%q", bad)
	}
}

func TestDefaultClientConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	path, err := DefaultClientConfigPath()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, filepath.Join("nebula", "config.toml")))
}
