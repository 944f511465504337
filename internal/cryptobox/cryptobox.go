// Package cryptobox seals and opens mailbox payloads with NaCl box
// (X25519 + XSalsa20-Poly1305). Sender-authenticated, recipient-confidential.
package cryptobox

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the width of X25519 public and secret keys.
	KeySize = 32

	// NonceSize is the width of the NaCl box nonce.
	NonceSize = 24
)

var (
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrDecryptFailed      = errors.New("decryption failed")
)

// Seal encrypts plaintext for the recipient, authenticated by the sender's
// secret key. A fresh random nonce is generated on every call; the nonce is
// part of the returned envelope and must travel with the ciphertext.
func Seal(plaintext []byte, recipientPk, senderSk []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	pk, sk, err := keyPair(recipientPk, senderSk)
	if err != nil {
		return nonce, nil, err
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, nil, err
	}
	ciphertext = box.Seal(nil, plaintext, &nonce, pk, sk)
	return nonce, ciphertext, nil
}

// Open decrypts and authenticates a sealed payload. Any authentication
// mismatch (wrong key, corrupted ciphertext, wrong nonce) is reported as
// ErrDecryptFailed; no partial plaintext is ever returned.
func Open(ciphertext []byte, nonce []byte, senderPk, recipientSk []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidKeyMaterial
	}
	pk, sk, err := keyPair(senderPk, recipientSk)
	if err != nil {
		return nil, err
	}
	var n [NonceSize]byte
	copy(n[:], nonce)
	plaintext, ok := box.Open(nil, ciphertext, &n, pk, sk)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func keyPair(pkRaw, skRaw []byte) (*[KeySize]byte, *[KeySize]byte, error) {
	if len(pkRaw) != KeySize || len(skRaw) != KeySize {
		return nil, nil, ErrInvalidKeyMaterial
	}
	var pk, sk [KeySize]byte
	copy(pk[:], pkRaw)
	copy(sk[:], skRaw)
	return &pk, &sk, nil
}
