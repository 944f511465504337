package cryptobox

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/nacl/box"
)

func generatePair(t *testing.T) (pk, sk []byte) {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	return pub[:], priv[:]
}

func TestSealOpenRoundTrip(t *testing.T) {
	alicePk, aliceSk := generatePair(t)
	bobPk, bobSk := generatePair(t)

	plaintext := []byte(`{"subject":"hi","body":"hello"}`)
	nonce, ciphertext, err := Seal(plaintext, bobPk, aliceSk)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	opened, err := Open(ciphertext, nonce[:], alicePk, bobSk)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestSealGeneratesFreshNonces(t *testing.T) {
	_, aliceSk := generatePair(t)
	bobPk, _ := generatePair(t)

	n1, _, err := Seal([]byte("one"), bobPk, aliceSk)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	n2, _, err := Seal([]byte("one"), bobPk, aliceSk)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if n1 == n2 {
		t.Fatal("nonce reused across seals")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	alicePk, aliceSk := generatePair(t)
	bobPk, bobSk := generatePair(t)

	nonce, ciphertext, err := Seal([]byte("payload"), bobPk, aliceSk)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	for i := 0; i < len(ciphertext); i++ {
		tampered := append([]byte(nil), ciphertext...)
		tampered[i] ^= 0x01
		if _, err := Open(tampered, nonce[:], alicePk, bobSk); !errors.Is(err, ErrDecryptFailed) {
			t.Fatalf("byte %d: expected ErrDecryptFailed, got %v", i, err)
		}
	}
}

func TestOpenRejectsWrongSenderKey(t *testing.T) {
	_, aliceSk := generatePair(t)
	bobPk, bobSk := generatePair(t)
	malloryPk, _ := generatePair(t)

	nonce, ciphertext, err := Seal([]byte("payload"), bobPk, aliceSk)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open(ciphertext, nonce[:], malloryPk, bobSk); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestKeyWidthValidation(t *testing.T) {
	alicePk, aliceSk := generatePair(t)
	bobPk, bobSk := generatePair(t)

	if _, _, err := Seal([]byte("p"), bobPk[:31], aliceSk); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("short recipient key: expected ErrInvalidKeyMaterial, got %v", err)
	}
	if _, _, err := Seal([]byte("p"), bobPk, aliceSk[:16]); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("short sender key: expected ErrInvalidKeyMaterial, got %v", err)
	}
	nonce, ciphertext, err := Seal([]byte("p"), bobPk, aliceSk)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open(ciphertext, nonce[:23], alicePk, bobSk); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("short nonce: expected ErrInvalidKeyMaterial, got %v", err)
	}
}
