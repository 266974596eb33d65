package limits

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateSize(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		max     int
		wantErr error
	}{
		{"empty", nil, 10, ErrEmpty},
		{"within limit", []byte("hello"), 10, nil},
		{"at limit", []byte("0123456789"), 10, nil},
		{"over limit", []byte("0123456789a"), 10, ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSize(tt.data, tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateSize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePlaintext(t *testing.T) {
	if err := ValidatePlaintext([]byte("hi")); err != nil {
		t.Errorf("small plaintext rejected: %v", err)
	}

	big := make([]byte, MaxPlaintextMessage+1)
	if err := ValidatePlaintext(big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversize plaintext accepted, err = %v", err)
	}

	exact := make([]byte, MaxPlaintextMessage)
	if err := ValidatePlaintext(exact); err != nil {
		t.Errorf("exact-limit plaintext rejected: %v", err)
	}
}

func TestValidateFileName(t *testing.T) {
	if err := ValidateFileName("photo.jpg"); err != nil {
		t.Errorf("valid file name rejected: %v", err)
	}
	if err := ValidateFileName(""); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty file name accepted, err = %v", err)
	}
	if err := ValidateFileName(strings.Repeat("a", MaxFileNameLength+1)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversize file name accepted, err = %v", err)
	}
}

func TestValidateMediaSize(t *testing.T) {
	if err := ValidateMediaSize(1024); err != nil {
		t.Errorf("valid media size rejected: %v", err)
	}
	if err := ValidateMediaSize(0); !errors.Is(err, ErrEmpty) {
		t.Errorf("zero media size accepted, err = %v", err)
	}
	if err := ValidateMediaSize(MaxMediaSize + 1); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversize media accepted, err = %v", err)
	}
}
