package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
)

// Local is a filesystem-backed content-addressed store for development
// against a local chain, one file per blob named by its CIDv0.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Put(_ context.Context, data []byte) (string, error) {
	contentID := DeriveContentID(data)
	path := filepath.Join(l.dir, contentID)
	if _, err := os.Stat(path); err == nil {
		return contentID, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return contentID, nil
}

func (l *Local) Get(_ context.Context, contentID string) ([]byte, error) {
	if err := ValidateContentID(contentID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.dir, contentID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not pinned locally", ErrContentUnavailable, contentID)
		}
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}
	return data, nil
}

// DeriveContentID computes the CIDv0 of a blob: base58btc of the sha2-256
// multihash (0x12 0x20 prefix).
func DeriveContentID(data []byte) string {
	digest := sha256.Sum256(data)
	multihash := append([]byte{0x12, 0x20}, digest[:]...)
	return base58.Encode(multihash)
}
