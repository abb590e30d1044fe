// Package identity manages the relay's own secp256k1 keypair, advertised as
// the NIP-11 pubkey.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

const (
	// RelayIDFileName is the name of the file where relay ID is stored
	RelayIDFileName = "relay_id.key"
	// RelayIDDir is the directory under the home directory used when no
	// identity file is configured.
	RelayIDDir = ".gated-relay"
)

// RelayIdentity holds the relay's identity information
type RelayIdentity struct {
	PublicKey  string `json:"public_key"`
	NPub       string `json:"npub"`
	PrivateKey string `json:"-"` // empty when only a public key is configured
	RelayID    string `json:"relay_id"`
}

// Generate creates a new random identity.
func Generate() (*RelayIdentity, error) {
	return FromPrivateKey(nostr.GeneratePrivateKey())
}

// FromPrivateKey derives an identity from a 64 hex character secret key.
func FromPrivateKey(sk string) (*RelayIdentity, error) {
	sk = strings.ToLower(strings.TrimSpace(sk))
	if len(sk) != 64 {
		return nil, fmt.Errorf("private key must be 64 hex characters, got %d", len(sk))
	}
	if _, err := hex.DecodeString(sk); err != nil {
		return nil, fmt.Errorf("private key is not valid hex: %w", err)
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	id, err := fromPublicKey(pk)
	if err != nil {
		return nil, err
	}
	id.PrivateKey = sk
	return id, nil
}

func fromPublicKey(pk string) (*RelayIdentity, error) {
	npub, err := nip19.EncodePublicKey(pk)
	if err != nil {
		return nil, fmt.Errorf("failed to encode npub: %w", err)
	}
	return &RelayIdentity{
		PublicKey: pk,
		NPub:      npub,
		RelayID:   "relay-" + pk[:16],
	}, nil
}

// DefaultPath is the identity file used when none is configured.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, RelayIDDir, RelayIDFileName), nil
}

// LoadOrCreate reads the identity stored at path, generating and saving a
// new one when the file does not exist. An empty path means DefaultPath.
func LoadOrCreate(path string) (*RelayIdentity, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	path = filepath.Clean(path)

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		id, err := Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate relay identity: %w", err)
		}
		if err := Save(id, path); err != nil {
			return nil, err
		}
		return id, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read relay ID file: %w", err)
	}

	id, err := FromPrivateKey(string(content))
	if err != nil {
		return nil, fmt.Errorf("relay ID file %s: %w", path, err)
	}
	return id, nil
}

// Save writes the secret key to path, readable by the owner only.
func Save(id *RelayIdentity, path string) error {
	if id.PrivateKey == "" {
		return errors.New("identity has no private key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.PrivateKey+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write relay ID file: %w", err)
	}
	return nil
}

// Resolve returns the configured public key when set, otherwise the key
// pair stored at path.
func Resolve(configuredPublicKey, path string) (*RelayIdentity, error) {
	if configuredPublicKey == "" {
		return LoadOrCreate(path)
	}
	pk := strings.ToLower(configuredPublicKey)
	if b, err := hex.DecodeString(pk); err != nil || len(b) != 32 {
		return nil, fmt.Errorf("configured public key must be 64 hex characters")
	}
	return fromPublicKey(pk)
}
