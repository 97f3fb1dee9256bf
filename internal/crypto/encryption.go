// Package encryption seals dataset content with AES-256-GCM.
//
// The ciphertext keeps the plaintext length; the 16-byte authentication tag
// and the 12-byte nonce travel separately in the dataset header.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	KeySize   = 32 // 256-bit key for AES-256
	NonceSize = 12 // 96-bit GCM nonce
	TagSize   = 16 // 128-bit GCM tag
)

var (
	ErrInvalidKeySize       = fmt.Errorf("key must be %d bytes", KeySize)
	ErrInvalidNonceSize     = fmt.Errorf("nonce must be %d bytes", NonceSize)
	ErrInvalidTagSize       = fmt.Errorf("tag must be %d bytes", TagSize)
	ErrAuthenticationFailed = errors.New("message authentication failed")
)

// GenerateKey generates a random 256-bit key. Production keys come from the
// key-management API; this is for tests and local tooling.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateNonce returns a fresh random 96-bit nonce. Call once per encryption.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

func newGCM(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext and returns ciphertext of the same length plus the tag.
func Encrypt(plaintext, key, nonce []byte) (ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key, nonce)
	if err != nil {
		return nil, nil, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - gcm.Overhead()
	return sealed[:split], sealed[split:], nil
}

// Decrypt opens ciphertext with the detached tag. On any mismatch it returns
// ErrAuthenticationFailed and no plaintext.
func Decrypt(ciphertext, key, nonce, tag []byte) ([]byte, error) {
	gcm, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	if len(tag) != TagSize {
		return nil, ErrInvalidTagSize
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// EncryptFile encrypts inputPath into outputPath with a fresh nonce and returns
// the nonce and tag. inputPath and outputPath may be the same file; the
// ciphertext is written to a sibling temp file and renamed over the target.
func EncryptFile(inputPath, outputPath string, key []byte) (nonce, tag []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, ErrInvalidKeySize
	}

	plaintext, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read input file: %w", err)
	}

	nonce, err = GenerateNonce()
	if err != nil {
		return nil, nil, err
	}

	ciphertext, tag, err := Encrypt(plaintext, key, nonce)
	if err != nil {
		return nil, nil, err
	}

	if err := writeFileAtomic(outputPath, ciphertext); err != nil {
		return nil, nil, err
	}
	return nonce, tag, nil
}

// DecryptFile reverses EncryptFile.
func DecryptFile(inputPath, outputPath string, key, nonce, tag []byte) error {
	ciphertext, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	plaintext, err := Decrypt(ciphertext, key, nonce, tag)
	if err != nil {
		return err
	}
	return writeFileAtomic(outputPath, plaintext)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace output file: %w", err)
	}
	return nil
}

// CalculateSHA512 calculates the SHA-512 hash of a file
func CalculateSHA512(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hash := sha512.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// EncodeBase64 encodes bytes to base64 string
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes base64 string to bytes
func DecodeBase64(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}

// DecodeKey decodes a base64 dataset key and checks its length.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := DecodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("dataset key is not valid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeySize, len(key))
	}
	return key, nil
}
