package authn

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"

	josepkg "github.com/go-jose/go-jose/v4"

	"github.com/xionghul/distcc/internal/protocol"
)

// Token tags exchanged during the AUTH step, before any compile
// request tokens are written.
const (
	tokenNonce = "NONC"
	tokenAuth  = "ATOK"
)

const nonceSize = 32

// Handshake performs the client side of the AUTH step: read a
// server-issued nonce, sign it, and send the signature back. Once this
// exchange succeeds the channel reverts to the unauthenticated framing
// used by the rest of the session — the spec does not ask for, and
// this does not provide, continued confidentiality or integrity of
// the request or response streams.
type Handshake struct {
	identity *Identity
}

// NewHandshake binds a Handshake to identity's signing key.
func NewHandshake(identity *Identity) *Handshake {
	return &Handshake{identity: identity}
}

// Authenticate reads a NONC token off recv, signs its payload, and
// writes the compact JWS back as an ATOK token on send.
func (h *Handshake) Authenticate(recv io.Reader, send protocol.Writer) error {
	tag, n, err := protocol.ReadToken(recv)
	if err != nil {
		return fmt.Errorf("authn: reading nonce token: %w", err)
	}
	if tag != tokenNonce {
		return fmt.Errorf("authn: expected %s token, got %q", tokenNonce, tag)
	}

	nonce, err := protocol.ReadBlob(recv, n)
	if err != nil {
		return fmt.Errorf("authn: reading nonce payload: %w", err)
	}

	compact, err := h.sign(nonce)
	if err != nil {
		return fmt.Errorf("authn: signing nonce: %w", err)
	}

	if err := send.WriteBlob(tokenAuth, []byte(compact)); err != nil {
		return fmt.Errorf("authn: writing auth token: %w", err)
	}

	return nil
}

func (h *Handshake) sign(payload []byte) (string, error) {
	signer, err := josepkg.NewSigner(josepkg.SigningKey{
		Algorithm: josepkg.RS256,
		Key:       h.identity.key,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("building signer: %w", err)
	}

	obj, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}

	return obj.CompactSerialize()
}

// NewNonce generates a fresh random nonce for a server-side challenge.
func NewNonce() ([]byte, error) {
	buf := make([]byte, nonceSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("authn: generating nonce: %w", err)
	}
	return buf, nil
}

// VerifyResponse is the server-side counterpart used in tests: it
// parses a compact JWS produced by Authenticate and checks it both
// verifies against pub and covers the expected nonce.
func VerifyResponse(compact string, pub *rsa.PublicKey, expectedNonce []byte) error {
	obj, err := josepkg.ParseSigned(compact, []josepkg.SignatureAlgorithm{josepkg.RS256})
	if err != nil {
		return fmt.Errorf("authn: parsing response: %w", err)
	}

	payload, err := obj.Verify(pub)
	if err != nil {
		return fmt.Errorf("authn: verifying response: %w", err)
	}

	if !bytesEqual(payload, expectedNonce) {
		return fmt.Errorf("authn: response does not cover the issued nonce")
	}

	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PublicKey exposes the identity's public half for embedding in a
// config-time trust list.
func (id *Identity) PublicKey() *rsa.PublicKey {
	return &id.key.PublicKey
}

// EncodePublicKey base64-encodes the public modulus (the exponent is
// not included) for compact inclusion in YAML host configuration; full
// x509 SPKI encoding is unnecessary since the trust list already names
// the host.
func EncodePublicKey(pub *rsa.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.N.Bytes())
}
