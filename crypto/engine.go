package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// IVSize is the AES block and IV size in bytes.
const IVSize = aes.BlockSize

var (
	// ErrInvalidKeySize indicates a key that is not KeySize bytes long.
	ErrInvalidKeySize = errors.New("invalid AES key size")

	// ErrInvalidIVSize indicates an IV that is not IVSize bytes long.
	ErrInvalidIVSize = errors.New("invalid IV size")

	// ErrInvalidCiphertext indicates ciphertext that is empty or not
	// block-aligned and therefore cannot have been produced by this engine.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidPadding indicates PKCS#7 padding that failed validation after
	// decryption, usually a wrong key or tampered ciphertext.
	ErrInvalidPadding = errors.New("invalid padding")

	// ErrDecryptionFailed wraps any failure to recover a plaintext. Callers
	// must treat it as a per-item failure, never a fatal condition.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedMessage holds the base64 wire form of an encrypted message body.
type EncryptedMessage struct {
	Ciphertext string
	Key        string
	IV         string
}

// GenerateKey creates a cryptographically secure random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateIV creates a cryptographically secure random IV.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return iv, nil
}

// EncryptMessage encrypts a plaintext with a fresh random key and IV and
// returns all three outputs base64-encoded for the wire.
func EncryptMessage(plaintext []byte) (*EncryptedMessage, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	iv, err := GenerateIV()
	if err != nil {
		return nil, err
	}

	ciphertext, err := EncryptBytes(plaintext, key, iv)
	if err != nil {
		return nil, err
	}

	return &EncryptedMessage{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Key:        base64.StdEncoding.EncodeToString(key),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// DecryptMessage reverses EncryptMessage. Every failure is reported as an
// error wrapping ErrDecryptionFailed; it never panics on malformed input.
func DecryptMessage(ciphertextB64, keyB64, ivB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not valid base64: %v", ErrDecryptionFailed, err)
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid base64: %v", ErrDecryptionFailed, err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("%w: IV is not valid base64: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := DecryptBytes(ciphertext, key, iv)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DecryptMessage",
			"error":    err,
		}).Warn("Failed to decrypt message body")
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// EncryptBytes encrypts plaintext with AES-CBC and PKCS#7 padding using the
// provided key and IV. Media transfers use this directly with server-issued
// key material.
func EncryptBytes(plaintext, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidIVSize, len(iv), IVSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptBytes reverses EncryptBytes.
func DecryptBytes(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidIVSize, len(iv), IVSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a positive multiple of %d", ErrInvalidCiphertext, len(ciphertext), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, aes.BlockSize)
}

// pkcs7Pad appends PKCS#7 padding. An exact multiple of the block size gains
// a full block of padding so unpadding is unambiguous.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padLen], nil
}
