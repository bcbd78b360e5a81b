// Package authn implements the dispatch engine's AUTH step: a
// lightweight challenge-response handshake built on an RSA keypair and
// JSON Web Signatures, used to attest the client's identity to a build
// host that requires it. It deliberately stops at attestation —
// confidentiality and integrity of the rest of the session are not
// its job, matching the spec's instruction to discard the security
// context once the handshake succeeds.
package authn

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Identity is a client's signing keypair.
type Identity struct {
	Subject string
	key     *rsa.PrivateKey
}

// GenerateIdentity creates a fresh 4096-bit RSA keypair for subject
// (typically the local hostname).
func GenerateIdentity(subject string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("authn: generating identity key: %w", err)
	}
	return &Identity{Subject: subject, key: key}, nil
}

// Save writes the private key as a PEM-encoded PKCS#1 block.
func (id *Identity) Save(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("authn: opening %s for writing: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(id.key)}
	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("authn: encoding key: %w", err)
	}
	return nil
}

// LoadIdentity reads a PEM-encoded PKCS#1 private key previously
// written by Save.
func LoadIdentity(subject, path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authn: reading %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("authn: %s is not PEM-encoded", path)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("authn: parsing key in %s: %w", path, err)
	}

	return &Identity{Subject: subject, key: key}, nil
}
