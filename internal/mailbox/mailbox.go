// Package mailbox holds the locally reconstructed, deduplicated view of one
// identity's messages, ordered newest first.
package mailbox

import (
	"sync"

	"blockmail/go-backend/pkg/models"
)

// Mailbox is owned by one sync engine at a time; snapshot reads are safe from
// any number of readers. Entries are unique by content id and sorted by
// timestamp descending, ties broken by ledger inclusion ordinal descending.
type Mailbox struct {
	mu      sync.RWMutex
	ordered []models.Message
	byID    map[string]int
}

func New() *Mailbox {
	return &Mailbox{byID: make(map[string]int)}
}

// Merge inserts msg at its sort-correct position. Idempotent: a content id
// already present is dropped silently and existing entries are never touched
// or reordered. Reports whether the message was inserted.
func (m *Mailbox) Merge(msg models.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[msg.ID]; ok {
		return false
	}
	pos := m.insertionPoint(msg)
	m.ordered = append(m.ordered, models.Message{})
	copy(m.ordered[pos+1:], m.ordered[pos:])
	m.ordered[pos] = msg
	for i := pos; i < len(m.ordered); i++ {
		m.byID[m.ordered[i].ID] = i
	}
	return true
}

// Upgrade replaces the entry for msg.ID in place, keeping its position.
// Used when a placeholder later resolves to full content. Reports whether an
// entry was replaced; a missing id is not inserted.
func (m *Mailbox) Upgrade(msg models.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.byID[msg.ID]
	if !ok {
		return false
	}
	m.ordered[pos] = msg
	return true
}

// Get returns the message with the given content id.
func (m *Mailbox) Get(contentID string) (models.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.byID[contentID]
	if !ok {
		return models.Message{}, false
	}
	return m.ordered[pos], true
}

// Contains reports whether a content id is already merged.
func (m *Mailbox) Contains(contentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[contentID]
	return ok
}

// MarkRead flags a message as read. Reports whether the id was present.
func (m *Mailbox) MarkRead(contentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.byID[contentID]
	if !ok {
		return false
	}
	m.ordered[pos].Read = true
	return true
}

// Placeholders returns the content ids of entries that still lack content.
func (m *Mailbox) Placeholders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, msg := range m.ordered {
		if msg.Placeholder != models.PlaceholderNone {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

// Snapshot returns a copy of the mailbox in display order.
func (m *Mailbox) Snapshot() []models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Message(nil), m.ordered...)
}

func (m *Mailbox) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ordered)
}

// Clear drops all entries.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordered = nil
	m.byID = make(map[string]int)
}

// insertionPoint finds the first index whose entry sorts after msg.
func (m *Mailbox) insertionPoint(msg models.Message) int {
	for i, existing := range m.ordered {
		if sortsBefore(msg, existing) {
			return i
		}
	}
	return len(m.ordered)
}

func sortsBefore(a, b models.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return b.Ordinal.Less(a.Ordinal)
}
