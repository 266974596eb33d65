// Package limits provides centralized size limits for the whisperlink transport.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPlaintextMessage is the relay protocol limit for plaintext message bodies (64 KiB).
	MaxPlaintextMessage = 64 * 1024

	// MaxCiphertextMessage is the maximum size after encryption overhead.
	// AES-CBC pads to the next 16-byte block boundary, so the ciphertext of a
	// maximum-size plaintext is at most one block larger.
	MaxCiphertextMessage = MaxPlaintextMessage + 16

	// MaxMediaSize is the maximum size of a single media object (512 MiB).
	MaxMediaSize = 512 * 1024 * 1024

	// MaxFileNameLength is the maximum allowed media file name length in bytes.
	// This prevents memory exhaustion from excessively long names and matches
	// typical filesystem limits.
	MaxFileNameLength = 255

	// MaxEnvelopePayload is the absolute maximum for any inbound wire payload.
	// This prevents memory exhaustion from a misbehaving relay (1 MiB limit).
	MaxEnvelopePayload = 1024 * 1024
)

var (
	// ErrEmpty indicates empty input where content is required.
	ErrEmpty = errors.New("empty input")

	// ErrTooLarge indicates input exceeds its maximum size.
	ErrTooLarge = errors.New("input too large")
)

// ValidateSize validates data against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidatePlaintext validates a plaintext message body against MaxPlaintextMessage.
func ValidatePlaintext(message []byte) error {
	if len(message) == 0 {
		return ErrEmpty
	}
	if len(message) > MaxPlaintextMessage {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrTooLarge, len(message), MaxPlaintextMessage)
	}
	return nil
}

// ValidateFileName validates a media file name against MaxFileNameLength.
func ValidateFileName(name string) error {
	if len(name) == 0 {
		return ErrEmpty
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: file name length %d exceeds limit %d", ErrTooLarge, len(name), MaxFileNameLength)
	}
	return nil
}

// ValidateMediaSize validates a declared media object size against MaxMediaSize.
func ValidateMediaSize(size int64) error {
	if size <= 0 {
		return ErrEmpty
	}
	if size > MaxMediaSize {
		return fmt.Errorf("%w: media size %d exceeds limit %d", ErrTooLarge, size, MaxMediaSize)
	}
	return nil
}
