package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/BurntSushi/toml"

	"github.com/NebulaChat/nebula-node/pkg/crypto"
)

var (
	ErrConfigNotFound  = errors.New("config: client config not found")
	ErrConfigCorrupt   = errors.New("config: client config is corrupt")
	ErrInvalidUsername = errors.New("config: invalid username")
)

const (
	clientConfigDir  = "nebula"
	clientConfigFile = "config.toml"

	maxUsernameLength = 32
)

// ClientConfig is the local identity: a username and the Ed25519 keypair
// (seed ‖ public key) the node signs with.
type ClientConfig struct {
	Username string `toml:"username"`
	Keypair  []byte `toml:"keypair"`

	// RelayURL is the relay recorded by initialize.
	RelayURL string `toml:"relay_url,omitempty"`
}

// DefaultClientConfigPath returns <UserConfigDir>/nebula/config.toml
func DefaultClientConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, clientConfigDir, clientConfigFile), nil
}

// NewClientConfig generates a fresh identity for username
func NewClientConfig(username string) (*ClientConfig, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	id, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	return &ClientConfig{
		Username: username,
		Keypair:  id.Bytes(),
	}, nil
}

// ValidateUsername checks that a username is printable and short.
func ValidateUsername(username string) error {
	if username == "" || len(username) > maxUsernameLength {
		return fmt.Errorf("%w: must be 1-%d bytes", ErrInvalidUsername, maxUsernameLength)
	}
	if strings.TrimSpace(username) != username {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidUsername)
	}
	for _, r := range username {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%w: contains non-printable characters", ErrInvalidUsername)
		}
	}
	return nil
}

// LoadClientConfig reads the identity store at path.
// A missing file yields ErrConfigNotFound and an undecodable file or a
// keypair of the wrong size yields ErrConfigCorrupt.
func LoadClientConfig(path string) (*ClientConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg := new(ClientConfig)
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigCorrupt, err)
	}
	if len(cfg.Keypair) != crypto.KeypairSize {
		return nil, fmt.Errorf("%w: keypair is %d bytes, want %d", ErrConfigCorrupt, len(cfg.Keypair), crypto.KeypairSize)
	}
	return cfg, nil
}

// Save writes the identity store to path, creating the parent directory.
// The file is replaced atomically and is readable by the owner only.
func (c *ClientConfig) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: failed to encode client config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, clientConfigFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Identity decodes the stored keypair
func (c *ClientConfig) Identity() (*crypto.Identity, error) {
	id, err := crypto.IdentityFromBytes(c.Keypair)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigCorrupt, err)
	}
	return id, nil
}
