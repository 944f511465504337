// Package directory reads and writes the on-ledger mapping from identity
// address to X25519 public key.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"blockmail/go-backend/internal/ledger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// registryABIJSON mirrors the key registry contract:
//
//	function pk(address owner) view returns (bytes32)
//	function setPubKey(bytes32 pubKey)
//	event PubKeySet(address indexed owner, bytes32 pubKey)
const registryABIJSON = `[
  {"type":"function","name":"pk","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"setPubKey","stateMutability":"nonpayable","inputs":[
    {"name":"pubKey","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"PubKeySet","anonymous":false,"inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"pubKey","type":"bytes32","indexed":false}]}
]`

var (
	// ErrNotRegistered means the slot reads as all zeroes: the identity has
	// never published a key. Distinct from a read failure.
	ErrNotRegistered = errors.New("identity has not registered a public key")

	// ErrUnavailable means the directory contract could not be reached for a
	// write, or no contract address is configured at all.
	ErrUnavailable = errors.New("directory unavailable")

	registryABI = mustParseABI(registryABIJSON)
)

// Client talks to one key registry contract. A client constructed without a
// contract address is disabled: resolution fails with ErrUnavailable and
// publishing no-ops, so the rest of the system degrades instead of breaking.
type Client struct {
	backend  ledger.Backend
	contract common.Address
	enabled  bool
	log      *slog.Logger
}

func NewClient(backend ledger.Backend, contract common.Address, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend:  backend,
		contract: contract,
		enabled:  contract != (common.Address{}),
		log:      logger,
	}
}

// Enabled reports whether a contract address is configured.
func (c *Client) Enabled() bool { return c.enabled }

// Resolve returns the registered public key for identity. An all-zero slot is
// ErrNotRegistered; a transport or decode failure is reported as such, never
// conflated with "unregistered".
func (c *Client) Resolve(ctx context.Context, identity common.Address) ([32]byte, error) {
	var zero [32]byte
	if !c.enabled {
		return zero, ErrUnavailable
	}
	slot, err := c.readSlot(ctx, identity)
	if err != nil {
		return zero, err
	}
	if slot == zero {
		return zero, ErrNotRegistered
	}
	return slot, nil
}

// PublishIfStale makes the signer's directory slot equal pk. A slot already
// holding pk is left alone. When the current slot cannot be read (contract
// not deployed or unreachable), the write is still attempted rather than
// assuming "unregistered"; only a failed write surfaces ErrUnavailable.
// Returns whether a transaction was submitted.
func (c *Client) PublishIfStale(ctx context.Context, signer ledger.Signer, pk [32]byte) (bool, error) {
	if !c.enabled {
		return false, nil
	}

	current, readErr := c.readSlot(ctx, signer.Address())
	if readErr == nil && current == pk {
		return false, nil
	}
	if readErr != nil {
		c.log.Warn("directory read failed; attempting publish anyway",
			slog.String("error", readErr.Error()))
	}

	data, err := registryABI.Pack("setPubKey", pk)
	if err != nil {
		return false, fmt.Errorf("%w: pack: %v", ErrUnavailable, err)
	}
	if _, err := ledger.Transact(ctx, c.backend, signer, c.contract, data); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.log.Info("public key published to directory")
	return true, nil
}

func (c *Client) readSlot(ctx context.Context, identity common.Address) ([32]byte, error) {
	var slot [32]byte
	data, err := registryABI.Pack("pk", identity)
	if err != nil {
		return slot, fmt.Errorf("pack directory read: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return slot, fmt.Errorf("read directory slot: %w", err)
	}
	if len(out) != 32 {
		// Empty returndata usually means no contract at the address.
		return slot, fmt.Errorf("read directory slot: unexpected returndata length %d", len(out))
	}
	copy(slot[:], out)
	return slot, nil
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
