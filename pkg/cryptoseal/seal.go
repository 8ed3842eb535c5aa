// Package cryptoseal holds the crypto primitives shared by the vault, the
// license cache and the file-transfer engine: Argon2id key derivation,
// AES-256-GCM sealed blobs and BLAKE3 streaming hashes.
package cryptoseal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	SaltSize  = 16
	KeySize   = 32
	NonceSize = 12
)

// Argon2id parameters. Defaults follow the library's recommended interactive
// profile.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrTampered   = errors.New("sealed data is corrupted or tampered")
	ErrBadKeySize = errors.New("master key must be 32 bytes")
)

// GenerateSalt returns a fresh random 16-byte salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte master key from a password and salt with
// Argon2id.
func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// HashPassword produces a verification hash for a password under its own
// random salt, distinct from the key-derivation salt. The result is
// "base64(salt):base64(hash)".
func HashPassword(password string) (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyPassword checks a password against a hash produced by HashPassword.
func VerifyPassword(password, encoded string) (bool, error) {
	saltPart, hashPart, ok := splitHash(encoded)
	if !ok {
		return false, errors.New("malformed password hash")
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("decode hash salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func splitHash(encoded string) (salt, hash string, ok bool) {
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == ':' {
			return encoded[:i], encoded[i+1:], true
		}
	}
	return "", "", false
}

// Seal encrypts plaintext under key with AES-256-GCM and a fresh random
// nonce. The returned blob is nonce || ciphertext+tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal, verifying the authentication tag.
func Open(key, blob []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < NonceSize+aead.Overhead() {
		return nil, ErrTampered
	}
	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrTampered
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Zero wipes a key buffer in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
