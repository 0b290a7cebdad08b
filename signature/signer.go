// Package signature signs and verifies OCPP message payloads. Signatures travel in
// the payload's "signatures" array and cover the canonical form of the rest of the
// payload.
package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

const (
	MethodEd25519   = "Ed25519"
	MethodECDSAP256 = "ECDSA-P256-SHA256"

	EncodingBase64 = "base64"
)

// Signature is the JSON object attached to a signed payload.
type Signature struct {
	KeyID          string `json:"keyId"`
	Value          string `json:"value"`
	SigningMethod  string `json:"signingMethod,omitempty"`
	EncodingMethod string `json:"encodingMethod,omitempty"`
}

// Signer produces detached signatures over canonical payload bytes.
type Signer interface {
	KeyID() string
	Method() string
	Sign(data []byte) ([]byte, error)
}

// Verifier checks detached signatures. Verification never mutates any state.
type Verifier interface {
	KeyID() string
	Method() string
	Verify(data, sig []byte) bool
}

type ed25519Key struct {
	id   string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewEd25519Signer(id string, priv ed25519.PrivateKey) Signer {
	return &ed25519Key{id: id, priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func NewEd25519Verifier(id string, pub ed25519.PublicKey) Verifier {
	return &ed25519Key{id: id, pub: pub}
}

func (k *ed25519Key) KeyID() string  { return k.id }
func (k *ed25519Key) Method() string { return MethodEd25519 }

func (k *ed25519Key) Sign(data []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPrivateKey, k.id)
	}
	return ed25519.Sign(k.priv, data), nil
}

func (k *ed25519Key) Verify(data, sig []byte) bool {
	return len(k.pub) == ed25519.PublicKeySize && ed25519.Verify(k.pub, data, sig)
}

type ecdsaKey struct {
	id   string
	priv *ecdsa.PrivateKey
	pub  *ecdsa.PublicKey
}

func NewECDSASigner(id string, priv *ecdsa.PrivateKey) Signer {
	return &ecdsaKey{id: id, priv: priv, pub: &priv.PublicKey}
}

func NewECDSAVerifier(id string, pub *ecdsa.PublicKey) Verifier {
	return &ecdsaKey{id: id, pub: pub}
}

func (k *ecdsaKey) KeyID() string  { return k.id }
func (k *ecdsaKey) Method() string { return MethodECDSAP256 }

func (k *ecdsaKey) Sign(data []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPrivateKey, k.id)
	}
	digest := sha256.Sum256(data)
	return k.priv.Sign(rand.Reader, digest[:], crypto.SHA256)
}

func (k *ecdsaKey) Verify(data, sig []byte) bool {
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(k.pub, digest[:], sig)
}

// LoadSigner reads a PKCS#8 PEM private key (Ed25519 or ECDSA) from path.
func LoadSigner(id, path string) (Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %v", ErrBadKey, path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return NewEd25519Signer(id, k), nil
	case *ecdsa.PrivateKey:
		return NewECDSASigner(id, k), nil
	}
	return nil, fmt.Errorf("%w: unsupported key type %T", ErrBadKey, key)
}

// VerifierFor derives the public half of a signer.
func VerifierFor(s Signer) (Verifier, error) {
	switch k := s.(type) {
	case *ed25519Key:
		return NewEd25519Verifier(k.id, k.pub), nil
	case *ecdsaKey:
		return NewECDSAVerifier(k.id, k.pub), nil
	}
	return nil, fmt.Errorf("%w: unknown signer %T", ErrBadKey, s)
}

func encode(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
