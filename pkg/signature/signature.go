// Package signature signs and verifies artifact hashes with Ed25519.
//
// Signatures are always computed over the 32 raw bytes of a SHA-256 digest,
// never over the JSON text, so signing cost and signature size do not depend
// on the payload. A key is referred to by a deterministic key id derived from
// its public key; verifiers resolve that id through a KeyResolver and treat an
// unknown id as a hard failure.
package signature

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	// ErrInvalidHash is returned when a hash is not 64 lowercase hex characters.
	ErrInvalidHash = errors.New("invalid sha256 hex digest")
	// ErrInvalidKey is returned for structurally invalid key material.
	ErrInvalidKey = errors.New("invalid ed25519 key")
	// ErrUnknownKey is returned when a key id cannot be resolved.
	ErrUnknownKey = errors.New("unknown signer key id")
	// ErrSignatureInvalid is returned when a signature does not verify.
	ErrSignatureInvalid = errors.New("signature invalid")
)

// DecodeHash decodes a 64-character lowercase hex SHA-256 digest.
func DecodeHash(hashHex string) ([]byte, error) {
	if len(hashHex) != 64 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidHash, len(hashHex))
	}
	for _, c := range hashHex {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return nil, fmt.Errorf("%w: non-lowercase-hex character %q", ErrInvalidHash, c)
		}
	}
	return hex.DecodeString(hashHex)
}

// SignHash signs the decoded digest and returns the standard base64 signature.
func SignHash(hashHex string, priv ed25519.PrivateKey) (string, error) {
	digest, err := DecodeHash(hashHex)
	if err != nil {
		return "", err
	}
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: private key length %d", ErrInvalidKey, len(priv))
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)), nil
}

// VerifyHash reports whether signatureB64 is a valid signature of hashHex by
// pub. Only a malformed hash or public key yields an error; a garbled or
// mismatched signature simply verifies to false.
func VerifyHash(hashHex, signatureB64 string, pub ed25519.PublicKey) (bool, error) {
	digest, err := DecodeHash(hashHex)
	if err != nil {
		return false, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key length %d", ErrInvalidKey, len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, digest, sig), nil
}

// KeyID derives the stable identifier of pub: "key_" followed by the first 24
// hex characters of the SHA-256 of its PKIX PEM encoding.
func KeyID(pub ed25519.PublicKey) (string, error) {
	p, err := PublicKeyPEM(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(p))
	return "key_" + hex.EncodeToString(sum[:])[:24], nil
}

// PublicKeyPEM returns pub in PKIX PEM format.
func PublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key length %d", ErrInvalidKey, len(pub))
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM parses a PKIX PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: no PUBLIC KEY block", ErrInvalidKey)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key (%T)", ErrInvalidKey, key)
	}
	return pub, nil
}

// PrivateKeyPEM returns priv in PKCS#8 PEM format.
func PrivateKeyPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 PEM-encoded Ed25519 private key.
func ParsePrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: no PRIVATE KEY block", ErrInvalidKey)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key (%T)", ErrInvalidKey, key)
	}
	return priv, nil
}

// Signer is the signing capability handed to artifact builders.
type Signer interface {
	KeyID() string
	SignHash(hashHex string) (string, error)
}

// KeyResolver maps a key id to its public key.
type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error)
}

// KeyPair is an Ed25519 key pair with its derived key id. It implements Signer.
type KeyPair struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPairFromPrivateKey(priv)
}

// KeyPairFromPrivateKey wraps an existing private key.
func KeyPairFromPrivateKey(priv ed25519.PrivateKey) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrInvalidKey, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	id, err := KeyID(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{id: id, pub: pub, priv: priv}, nil
}

// KeyID implements Signer.
func (k *KeyPair) KeyID() string { return k.id }

// SignHash implements Signer.
func (k *KeyPair) SignHash(hashHex string) (string, error) {
	return SignHash(hashHex, k.priv)
}

// PublicKey returns the public half of the pair.
func (k *KeyPair) PublicKey() ed25519.PublicKey { return k.pub }

// PrivateKey returns the private half of the pair.
func (k *KeyPair) PrivateKey() ed25519.PrivateKey { return k.priv }

// Verify resolves keyID and checks the signature, returning ErrUnknownKey
// when the id is not known and ErrSignatureInvalid when it does not verify.
func Verify(ctx context.Context, resolver KeyResolver, keyID, hashHex, signatureB64 string) error {
	if resolver == nil {
		return fmt.Errorf("%w: %s (no resolver)", ErrUnknownKey, keyID)
	}
	pub, err := resolver.ResolvePublicKey(ctx, keyID)
	if err != nil {
		return err
	}
	ok, err := VerifyHash(hashHex, signatureB64, pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}
