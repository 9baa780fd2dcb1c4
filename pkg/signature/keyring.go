package signature

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Keyring is an in-memory KeyResolver. It is safe for concurrent use.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyring returns a Keyring pre-populated with pubs.
func NewKeyring(pubs ...ed25519.PublicKey) (*Keyring, error) {
	r := &Keyring{keys: make(map[string]ed25519.PublicKey)}
	for _, pub := range pubs {
		if _, err := r.Add(pub); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers pub and returns its key id.
func (r *Keyring) Add(pub ed25519.PublicKey) (string, error) {
	id, err := KeyID(pub)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[id] = append(ed25519.PublicKey(nil), pub...)
	return id, nil
}

// Remove forgets a key id. Signatures by it stop verifying.
func (r *Keyring) Remove(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, keyID)
}

// IDs returns the registered key ids in sorted order.
func (r *Keyring) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolvePublicKey implements KeyResolver.
func (r *Keyring) ResolvePublicKey(_ context.Context, keyID string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return pub, nil
}

const (
	signingKeyFile = "signing.key"
	signingPubFile = "signing.pub"
)

// LoadOrCreateKeyPair loads the signing key stored in dir, creating and
// persisting a new one only when no key file exists. An unreadable or corrupt
// key is an error and is never overwritten.
func LoadOrCreateKeyPair(dir string) (*KeyPair, error) {
	kp, err := LoadKeyPair(dir)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyPair(dir, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// LoadKeyPair reads the PKCS#8 private key from dir.
func LoadKeyPair(dir string) (*KeyPair, error) {
	data, err := os.ReadFile(filepath.Join(dir, signingKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	priv, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return KeyPairFromPrivateKey(priv)
}

// SaveKeyPair writes the private key (mode 0600) and public key (0644) to dir.
func SaveKeyPair(dir string, kp *KeyPair) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	privPEM, err := PrivateKeyPEM(kp.priv)
	if err != nil {
		return err
	}
	pubPEM, err := PublicKeyPEM(kp.pub)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, signingKeyFile), []byte(privPEM), 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, signingPubFile), []byte(pubPEM), 0o644); err != nil {
		return fmt.Errorf("write signing public key: %w", err)
	}
	return nil
}
