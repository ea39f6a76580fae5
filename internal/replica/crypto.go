package replica

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// KeyLen is the derived key length in bytes (AES-256).
	KeyLen = 32
)

// keyCheckPlaintext is sealed with the replica key on first open so later
// opens can tell a wrong passphrase apart from corrupt data.
var keyCheckPlaintext = []byte("replica-sync key check v1")

var errCiphertextTooShort = errors.New("ciphertext too short")

// DeriveKey derives a 32-byte encryption key from passphrase and salt
// using scrypt. The passphrase is normalized to NFKC before hashing so the
// same passphrase typed on different platforms yields the same key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, KeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// immediately after passing the key to NewCipher.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Cipher encrypts container payloads with AES-256-GCM.
// Format: [12-byte nonce][ciphertext+GCM tag]. The container id is bound
// as additional data so a payload cannot be replayed under another id.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext for the given container id.
func (c *Cipher) Seal(id string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return c.gcm.Seal(nonce, nonce, plaintext, []byte(id)), nil
}

// Open decrypts data sealed for the given container id.
func (c *Cipher) Open(id string, data []byte) ([]byte, error) {
	ns := c.gcm.NonceSize()
	if len(data) < ns+c.gcm.Overhead() {
		return nil, errCiphertextTooShort
	}

	plaintext, err := c.gcm.Open(nil, data[:ns], data[ns:], []byte(id))
	if err != nil {
		return nil, fmt.Errorf("decrypting %q: %w", id, err)
	}

	return plaintext, nil
}
