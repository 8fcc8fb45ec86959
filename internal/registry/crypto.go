package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Crypto derives an AES-256 key from the relay's master key via scrypt and
// uses it to encrypt account credential material at rest in memory — the
// same defense-in-depth the teacher applies to on-disk refresh tokens,
// carried here even though accounts never touch SQLite (spec.md §3:
// accounts are boot-time, in-memory only).
type Crypto struct {
	masterKey string
	mu        sync.RWMutex
	derived   map[string][]byte
}

func NewCrypto(masterKey string) *Crypto {
	return &Crypto{masterKey: masterKey, derived: make(map[string][]byte)}
}

func (c *Crypto) deriveKey(salt string) ([]byte, error) {
	c.mu.RLock()
	if key, ok := c.derived[salt]; ok {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	key, err := scrypt.Key([]byte(c.masterKey), []byte(salt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}

	c.mu.Lock()
	c.derived[salt] = key
	c.mu.Unlock()
	return key, nil
}

// Encrypt returns "{iv_hex}:{ciphertext_hex}" for plaintext under salt.
func (c *Crypto) Encrypt(plaintext, salt string) (string, error) {
	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *Crypto) Decrypt(encoded, salt string) (string, error) {
	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}

	parts := strings.SplitN(encoded, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted format")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", errors.New("invalid iv")
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("invalid ciphertext")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return "", fmt.Errorf("invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return "", errors.New("invalid padding bytes")
		}
	}
	return string(data[:len(data)-padding]), nil
}
