// Package session remembers the credentials last used on this device so the
// next activation can offer them, most recent first.
package session

import (
	"errors"
	"io/fs"
	"strings"
	"sync"
	"time"

	"blockmail/go-backend/internal/securestore"
	"blockmail/go-backend/pkg/models"
)

// DefaultCapacity bounds how many identities the cache remembers.
const DefaultCapacity = 3

// Cache is a bounded most-recent-first list of cached sessions keyed by
// identity address. Touching an identity moves it to the front; the oldest
// entry is evicted when the cap is exceeded.
type Cache struct {
	mu         sync.Mutex
	entries    []models.Session
	capacity   int
	path       string
	passphrase string
	now        func() time.Time
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{capacity: capacity, now: time.Now}
}

// NewPersistentCache restores the cache from a JSON snapshot at path,
// encrypted at rest when passphrase is non-empty.
func NewPersistentCache(path, passphrase string, capacity int) (*Cache, error) {
	c := NewCache(capacity)
	c.path = strings.TrimSpace(path)
	c.passphrase = passphrase
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Touch records a session as most recently used, inserting or promoting it.
func (c *Cache) Touch(session models.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	session.Address = normalizeAddress(session.Address)
	session.LastUsed = c.now().UTC()

	next := make([]models.Session, 0, c.capacity)
	next = append(next, session)
	for _, existing := range c.entries {
		if existing.Address == session.Address {
			continue
		}
		if len(next) == c.capacity {
			break
		}
		next = append(next, existing)
	}
	if err := c.persist(next); err != nil {
		return err
	}
	c.entries = next
	return nil
}

// List returns the cached sessions, most recent first.
func (c *Cache) List() []models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Session(nil), c.entries...)
}

// Remove drops one identity from the cache.
func (c *Cache) Remove(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	address = normalizeAddress(address)
	next := make([]models.Session, 0, len(c.entries))
	for _, existing := range c.entries {
		if existing.Address != address {
			next = append(next, existing)
		}
	}
	if len(next) == len(c.entries) {
		return nil
	}
	if err := c.persist(next); err != nil {
		return err
	}
	c.entries = next
	return nil
}

// Clear forgets every cached session.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persist(nil); err != nil {
		return err
	}
	c.entries = nil
	return nil
}

type persistedState struct {
	Version  int              `json:"version"`
	Sessions []models.Session `json:"sessions"`
}

func (c *Cache) load() error {
	if c.path == "" {
		return nil
	}
	var state persistedState
	if err := securestore.ReadJSONFile(c.path, c.passphrase, &state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if state.Version != 1 {
		return errors.New("session cache payload is invalid")
	}
	if len(state.Sessions) > c.capacity {
		state.Sessions = state.Sessions[:c.capacity]
	}
	for i := range state.Sessions {
		state.Sessions[i].Address = normalizeAddress(state.Sessions[i].Address)
	}
	c.entries = state.Sessions
	return nil
}

func (c *Cache) persist(entries []models.Session) error {
	if c.path == "" {
		return nil
	}
	return securestore.WriteJSONFile(c.path, c.passphrase, persistedState{
		Version:  1,
		Sessions: entries,
	})
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
