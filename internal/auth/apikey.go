// Package auth protects the status endpoint with static API keys.
// Keys are held only as SHA-256 hashes; comparison is constant-time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const (
	// APIKeyPrefix marks replica-sync API keys.
	APIKeyPrefix = "rs_"

	// apiKeyBytes is the random part of a generated key.
	apiKeyBytes = 32

	// APIKeyMinLen is the shortest accepted key, prefix included.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is a configured key. Only its hash is kept.
type APIKey struct {
	UserID string
	hash   [sha256.Size]byte
}

// KeyStore validates bearer keys against the configured set.
type KeyStore struct {
	keys []APIKey
}

// NewKeyStore hashes the given user -> key pairs.
func NewKeyStore(keys map[string]string) *KeyStore {
	s := &KeyStore{keys: make([]APIKey, 0, len(keys))}
	for userID, key := range keys {
		s.keys = append(s.keys, APIKey{UserID: userID, hash: sha256.Sum256([]byte(key))})
	}

	return s
}

// Len returns the number of configured keys.
func (s *KeyStore) Len() int {
	return len(s.keys)
}

// Validate returns the key matching token, or nil. Every configured key
// is compared so timing does not reveal which one matched.
func (s *KeyStore) Validate(token string) *APIKey {
	h := sha256.Sum256([]byte(token))

	var match *APIKey

	for i := range s.keys {
		if subtle.ConstantTimeCompare(h[:], s.keys[i].hash[:]) == 1 {
			match = &s.keys[i]
		}
	}

	return match
}

// GenerateAPIKey returns a fresh random key with the rs_ prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyBytes)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
