// Package keystore owns the per-identity X25519 key pairs used to seal and
// open mailbox payloads. Secret keys never leave the local store.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"blockmail/go-backend/internal/securestore"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the width of X25519 public and secret keys.
	KeySize = 32

	hkdfInfoEncryption = "blockmail/keys/x25519/v1"
)

var (
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
)

// KeyPair is one identity's long-term encryption key pair. The invariant
// Public == scalarBaseMult(Secret) holds for every pair the store hands out.
type KeyPair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// PublicHex returns the lowercase hex of the public key.
func (kp KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// Store persists key pairs keyed by identity. Concurrent Ensure calls for the
// same identity resolve to a single generated secret.
type Store struct {
	mu         sync.Mutex
	pairs      map[string]KeyPair
	path       string
	passphrase string
}

// New returns an in-memory store.
func New() *Store {
	return &Store{pairs: make(map[string]KeyPair)}
}

// NewPersistent returns a store backed by a JSON snapshot at path, encrypted
// at rest when passphrase is non-empty.
func NewPersistent(path, passphrase string) (*Store, error) {
	s := &Store{
		pairs:      make(map[string]KeyPair),
		path:       strings.TrimSpace(path),
		passphrase: passphrase,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Ensure returns the persisted pair for identity, generating and persisting a
// fresh one on first use. Idempotent: two calls without a Replace in between
// return the identical pair.
func (s *Store) Ensure(identity string) (KeyPair, error) {
	key := normalizeIdentity(identity)

	s.mu.Lock()
	defer s.mu.Unlock()
	if pair, ok := s.pairs[key]; ok {
		return pair, nil
	}

	var secret [KeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return KeyPair{}, err
	}
	pair, err := pairFromSecret(secret[:])
	if err != nil {
		return KeyPair{}, err
	}
	if err := s.putLocked(key, pair); err != nil {
		return KeyPair{}, err
	}
	return pair, nil
}

// Replace overwrites the pair for identity with one derived from the given
// secret. The secret must be exactly 32 bytes. Messages sealed to the prior
// public key become undecryptable.
func (s *Store) Replace(identity string, secret []byte) (KeyPair, error) {
	pair, err := pairFromSecret(secret)
	if err != nil {
		return KeyPair{}, err
	}
	key := normalizeIdentity(identity)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putLocked(key, pair); err != nil {
		return KeyPair{}, err
	}
	return pair, nil
}

// ReplaceFromMnemonic derives a secret key from a bip39 mnemonic and
// replaces the identity's pair with it. The derivation is deterministic, so
// the same mnemonic restores the same pair on any device.
func (s *Store) ReplaceFromMnemonic(identity, mnemonic string) (KeyPair, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return KeyPair{}, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	secret := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, seed, nil, []byte(hkdfInfoEncryption))
	if _, err := io.ReadFull(reader, secret); err != nil {
		return KeyPair{}, err
	}
	return s.Replace(identity, secret)
}

// Get returns the pair for identity without creating one.
func (s *Store) Get(identity string) (KeyPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.pairs[normalizeIdentity(identity)]
	return pair, ok
}

func (s *Store) putLocked(key string, pair KeyPair) error {
	next := make(map[string]KeyPair, len(s.pairs)+1)
	for k, v := range s.pairs {
		next[k] = v
	}
	next[key] = pair
	if err := s.persist(next); err != nil {
		return err
	}
	s.pairs = next
	return nil
}

type persistedState struct {
	Version int               `json:"version"`
	Secrets map[string]string `json:"secrets"`
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	var state persistedState
	if err := securestore.ReadJSONFile(s.path, s.passphrase, &state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if state.Version != 1 {
		return errors.New("keystore persistence payload is invalid")
	}
	for identity, secretHex := range state.Secrets {
		secret, err := hex.DecodeString(secretHex)
		if err != nil {
			return fmt.Errorf("keystore entry %s: %w", identity, ErrInvalidKeyMaterial)
		}
		pair, err := pairFromSecret(secret)
		if err != nil {
			return fmt.Errorf("keystore entry %s: %w", identity, err)
		}
		s.pairs[normalizeIdentity(identity)] = pair
	}
	return nil
}

func (s *Store) persist(pairs map[string]KeyPair) error {
	if s.path == "" {
		return nil
	}
	state := persistedState{Version: 1, Secrets: make(map[string]string, len(pairs))}
	for identity, pair := range pairs {
		state.Secrets[identity] = hex.EncodeToString(pair.Secret[:])
	}
	return securestore.WriteJSONFile(s.path, s.passphrase, state)
}

func pairFromSecret(secret []byte) (KeyPair, error) {
	if len(secret) != KeySize {
		return KeyPair{}, ErrInvalidKeyMaterial
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	var pair KeyPair
	copy(pair.Secret[:], secret)
	copy(pair.Public[:], public)
	return pair, nil
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
