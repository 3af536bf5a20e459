// Package vault implements the encryption key vault: per-resource content
// keys are wrapped under a process master key with AES-256-GCM, and resource
// bytes are encrypted with the unwrapped content key. Content keys exist
// unwrapped only in memory, for the duration of a single operation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrDecryptionFailed indicates an authentication failure: wrong key or
// tampered ciphertext. Always a hard failure, never silent corruption.
var ErrDecryptionFailed = errors.New("decryption failed")

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
	keySize      = 32
)

// GenerateContentKey returns a fresh random 256-bit content key, hex-encoded.
func GenerateContentKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate content key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// DeriveMasterKey derives a 256-bit master key from a passphrase with
// argon2id. The salt must be stable across restarts for the same deployment.
func DeriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, keySize)
}

// WrapKey encrypts a hex-encoded content key under the master key using
// AES-256-GCM with a fresh random nonce. The returned token is the delimited
// triple nonceHex:tagHex:ciphertextHex.
func WrapKey(plainKeyHex string, masterKey []byte) (string, error) {
	aead, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plainKeyHex), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// UnwrapKey decrypts a wrapped content key token. Returns ErrDecryptionFailed
// if the token is malformed or the authentication tag does not verify.
func UnwrapKey(token string, masterKey []byte) (string, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: wrapped key is not a nonce:tag:ciphertext triple", ErrDecryptionFailed)
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != gcmNonceSize {
		return "", fmt.Errorf("%w: invalid nonce encoding", ErrDecryptionFailed)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != gcmTagSize {
		return "", fmt.Errorf("%w: invalid tag encoding", ErrDecryptionFailed)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}

	aead, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	plain, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plain), nil
}

// EncryptContent encrypts resource bytes with the given hex-encoded content
// key. The random IV is prepended to the ciphertext stream; it is not secret.
// Zero-length and multi-megabyte buffers are handled identically.
func EncryptContent(plain []byte, keyHex string) ([]byte, error) {
	aead, err := newGCMHex(keyHex)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return aead.Seal(iv, iv, plain, nil), nil
}

// DecryptContent reverses EncryptContent. Returns ErrDecryptionFailed on a
// wrong key or tampered ciphertext; never returns garbage plaintext.
func DecryptContent(ciphertext []byte, keyHex string) ([]byte, error) {
	aead, err := newGCMHex(keyHex)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcmNonceSize+gcmTagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	iv := ciphertext[:gcmNonceSize]
	plain, err := aead.Open(nil, iv, ciphertext[gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

func newGCMHex(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("content key is not valid hex: %w", err)
	}
	return newGCM(key)
}
