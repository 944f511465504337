package models

import "time"

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// PlaceholderReason marks messages that could not be fully reconstructed.
type PlaceholderReason string

const (
	PlaceholderNone        PlaceholderReason = ""
	PlaceholderEncrypted   PlaceholderReason = "encrypted"
	PlaceholderUnavailable PlaceholderReason = "unavailable"
)

// Ordinal is the ledger inclusion position of an announcement. It breaks
// timestamp ties when ordering a mailbox.
type Ordinal struct {
	BlockNumber uint64 `json:"block_number"`
	TxIndex     uint   `json:"tx_index"`
	LogIndex    uint   `json:"log_index"`
}

// Less reports whether o was included before other.
func (o Ordinal) Less(other Ordinal) bool {
	if o.BlockNumber != other.BlockNumber {
		return o.BlockNumber < other.BlockNumber
	}
	if o.TxIndex != other.TxIndex {
		return o.TxIndex < other.TxIndex
	}
	return o.LogIndex < other.LogIndex
}

// Message is the locally reconstructed view of one announcement. ID is the
// blob content id; a mailbox never holds two messages with the same ID.
type Message struct {
	ID          string            `json:"id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Timestamp   time.Time         `json:"timestamp"`
	Direction   Direction         `json:"direction"`
	Read        bool              `json:"read"`
	Decrypted   bool              `json:"decrypted"`
	Placeholder PlaceholderReason `json:"placeholder,omitempty"`
	Ordinal     Ordinal           `json:"ordinal"`
}

// AnnouncementEvent is one on-ledger record that an envelope exists.
// From/To are 0x-prefixed hex addresses.
type AnnouncementEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	ContentID string    `json:"content_id"`
	SentAt    time.Time `json:"sent_at"`
	Ordinal   Ordinal   `json:"ordinal"`
}

// Envelope is the blob payload. A sealed envelope carries Nonce and
// Ciphertext as hex; a legacy plaintext envelope carries Subject, Body and a
// millisecond Timestamp instead. Decoding discriminates on field presence.
type Envelope struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Nonce      string `json:"nonce,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// Sealed reports whether the envelope carries encrypted content.
func (e Envelope) Sealed() bool {
	return e.Nonce != "" && e.Ciphertext != ""
}

// Payload is the plaintext carried inside a sealed envelope. Timestamp is
// milliseconds since the epoch.
type Payload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// DirectoryEntry is one slot of the on-ledger public key directory. A
// zero-valued key means the identity is unregistered.
type DirectoryEntry struct {
	Identity  string   `json:"identity"`
	PublicKey [32]byte `json:"public_key"`
}

// Session is one cached credential set: a wallet address paired with the hex
// of its registered encryption public key.
type Session struct {
	Address   string    `json:"address"`
	PublicKey string    `json:"public_key"`
	LastUsed  time.Time `json:"last_used"`
}
