// Package wireguard provides the AmneziaWG building blocks used during peer
// provisioning: key pair generation and verification, client configuration
// rendering and parsing, and editing of the server-side peer configuration
// text. Nothing in this package performs I/O; callers fetch and store the
// text through a registry backend.
package wireguard

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair represents a WireGuard key pair in base64 form, exactly as it
// appears in configuration files and in the output of `wg genkey`.
type KeyPair struct {
	PrivateKey string // Base64-encoded Curve25519 private key
	PublicKey  string // Base64-encoded Curve25519 public key
}

// GenerateKeyPair creates a new clamped Curve25519 key pair locally.
// It is used when the backend is configured for local key generation
// instead of asking the remote host's `wg genkey`.
func GenerateKeyPair() (*KeyPair, error) {
	private, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	return &KeyPair{
		PrivateKey: private.String(),
		PublicKey:  private.PublicKey().String(),
	}, nil
}

// ParseKey validates a base64 WireGuard key, tolerating surrounding whitespace
// left over from command output.
func ParseKey(s string) (wgtypes.Key, error) {
	key, err := wgtypes.ParseKey(strings.TrimSpace(s))
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("invalid wireguard key: %w", err)
	}
	return key, nil
}

// DerivePublicKey computes the public key for a base64 private key with a
// plain X25519 scalar multiplication against the base point.
func DerivePublicKey(privateKey string) (string, error) {
	private, err := ParseKey(privateKey)
	if err != nil {
		return "", err
	}

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(public), nil
}

// Verify checks that both keys parse and that the public key belongs to
// the private key. Keys produced by a remote `wg genkey | wg pubkey`
// round trip are verified before they are registered.
func (kp *KeyPair) Verify() error {
	if _, err := ParseKey(kp.PublicKey); err != nil {
		return fmt.Errorf("public key: %w", err)
	}

	derived, err := DerivePublicKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	if derived != strings.TrimSpace(kp.PublicKey) {
		return fmt.Errorf("public key does not match private key")
	}
	return nil
}
