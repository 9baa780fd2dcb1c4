package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when an API key does not match. The
// message never says whether the tenant exists.
var ErrInvalidCredentials = errors.New("invalid credentials")

const apiKeyPrefix = "nsk_"

// APIKeys holds bcrypt hashes of tenant API keys. It is built once from
// configuration and read concurrently afterwards.
type APIKeys struct {
	hashes map[string][]byte
}

// NewAPIKeys builds an APIKeys from tenant id to bcrypt hash.
func NewAPIKeys(hashes map[string]string) (*APIKeys, error) {
	k := &APIKeys{hashes: make(map[string][]byte, len(hashes))}
	for tenant, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash for %s: %w", tenant, err)
		}
		k.hashes[tenant] = []byte(h)
	}
	return k, nil
}

// Authenticate checks key against the stored hash for tenantID.
func (k *APIKeys) Authenticate(tenantID, key string) error {
	h, ok := k.hashes[tenantID]
	if !ok || !strings.HasPrefix(key, apiKeyPrefix) {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(h, []byte(key)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Len is the number of configured tenants.
func (k *APIKeys) Len() int { return len(k.hashes) }

// GenerateAPIKey returns a new random key and its bcrypt hash.
func GenerateAPIKey() (key, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = apiKeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}
	return key, string(h), nil
}
