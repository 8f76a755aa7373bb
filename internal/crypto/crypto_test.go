package crypto

import (
	"errors"
	"testing"
)

func TestSealer_RoundTrip(t *testing.T) {
	s := NewSealer("test-secret")

	sealed, err := s.Seal("device-token-123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "device-token-123" {
		t.Error("sealed value should not equal the plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "device-token-123" {
		t.Errorf("opened = %q, want device-token-123", opened)
	}
}

func TestSealer_TamperedCiphertext(t *testing.T) {
	s := NewSealer("test-secret")

	sealed, err := s.Seal("device-token-123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	tampered := []byte(sealed)
	tampered[len(tampered)-5] ^= 1

	if _, err := s.Open(string(tampered)); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("error = %v, want ErrInvalidCiphertext", err)
	}
}

func TestSealer_WrongKey(t *testing.T) {
	sealed, err := NewSealer("secret-a").Seal("device-token-123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := NewSealer("secret-b").Open(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("error = %v, want ErrInvalidCiphertext", err)
	}
}

func TestSealer_GarbageInput(t *testing.T) {
	s := NewSealer("test-secret")

	for _, input := range []string{"", "not-base64!!!", "YWJj"} {
		if _, err := s.Open(input); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("Open(%q) error = %v, want ErrInvalidCiphertext", input, err)
		}
	}
}

func TestSealer_NonDeterministic(t *testing.T) {
	s := NewSealer("test-secret")

	a, _ := s.Seal("same-token")
	b, _ := s.Seal("same-token")
	if a == b {
		t.Error("sealing twice should produce different ciphertexts (random nonce)")
	}
}
