package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Algorithm identifies an encryption algorithm.
type Algorithm string

const (
	AlgorithmAESGCM Algorithm = "aes-256-gcm"
)

// Encryptor provides authenticated encryption of opaque byte payloads.
type Encryptor interface {
	// Encrypt encrypts plaintext with the given key.
	Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error)

	// Decrypt decrypts data with the given key and nonce.
	Decrypt(key, nonce, ciphertext []byte) (plaintext []byte, err error)

	// Algorithm returns the encryption algorithm.
	Algorithm() Algorithm

	// KeySize returns the required key size in bytes.
	KeySize() int

	// NonceSize returns the nonce size in bytes.
	NonceSize() int
}

// AESGCMEncryptor implements Encryptor using AES-256-GCM.
type AESGCMEncryptor struct{}

// NewAESGCMEncryptor creates a new AES-256-GCM encryptor.
func NewAESGCMEncryptor() *AESGCMEncryptor {
	return &AESGCMEncryptor{}
}

func (e *AESGCMEncryptor) Algorithm() Algorithm { return AlgorithmAESGCM }
func (e *AESGCMEncryptor) KeySize() int         { return 32 } // 256 bits
func (e *AESGCMEncryptor) NonceSize() int       { return 12 } // 96 bits (standard GCM)

func (e *AESGCMEncryptor) Encrypt(key, plaintext []byte) ([]byte, []byte, error) {
	if len(key) != e.KeySize() {
		return nil, nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), e.KeySize())
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

func (e *AESGCMEncryptor) Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != e.KeySize() {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), e.KeySize())
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: got %d, want %d", len(nonce), gcm.NonceSize())
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// GenerateKeyMaterial generates random 32-byte key material for rotation.
func GenerateKeyMaterial() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	return key, nil
}

// SecureZeroKey overwrites a key in memory (for cleanup).
func SecureZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
