// Package ledger talks to the announcement contract: it submits "message
// announced" transactions and reads the Message event stream back, both
// historically and live.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"blockmail/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// mailboxABIJSON mirrors the deployed contract:
//
//	event Message(address indexed from, address indexed to, string cid, bytes32 metaHash, uint64 sentAt)
//	function sendMessage(address to, string cid, bytes32 metaHash)
const mailboxABIJSON = `[
  {"type":"event","name":"Message","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"cid","type":"string","indexed":false},
    {"name":"metaHash","type":"bytes32","indexed":false},
    {"name":"sentAt","type":"uint64","indexed":false}]},
  {"type":"function","name":"sendMessage","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},
    {"name":"cid","type":"string"},
    {"name":"metaHash","type":"bytes32"}],"outputs":[]}
]`

var (
	ErrSubmissionFailed = errors.New("transaction submission failed")

	mailboxABI = mustParseABI(mailboxABIJSON)
)

const receiptPollInterval = 500 * time.Millisecond

// Backend is the slice of an Ethereum client the gateway needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Gateway wraps the mailbox contract on one backend.
type Gateway struct {
	backend  Backend
	contract common.Address
	log      *slog.Logger
}

func NewGateway(backend Backend, contract common.Address, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{backend: backend, contract: contract, log: logger}
}

// Submit announces a message on the ledger and blocks until the transaction
// is included. There is no internal retry or timeout; the caller's context
// bounds the wait.
func (g *Gateway) Submit(ctx context.Context, signer Signer, to common.Address, contentID string, metaHash [32]byte) (*types.Receipt, error) {
	data, err := mailboxABI.Pack("sendMessage", to, contentID, metaHash)
	if err != nil {
		return nil, fmt.Errorf("%w: pack: %v", ErrSubmissionFailed, err)
	}
	receipt, err := Transact(ctx, g.backend, signer, g.contract, data)
	if err != nil {
		return nil, err
	}
	g.log.Debug("announcement submitted",
		slog.String("cid", contentID),
		slog.Uint64("block", receipt.BlockNumber.Uint64()))
	return receipt, nil
}

// QueryHistory returns every Message event in [fromBlock, toBlock] where
// identity is the sender or the recipient, as two independent indexed-topic
// queries. The result is NOT deduplicated; the consumer merges.
func (g *Gateway) QueryHistory(ctx context.Context, identity common.Address, fromBlock, toBlock *big.Int) ([]models.AnnouncementEvent, error) {
	eventID := mailboxABI.Events["Message"].ID
	addrTopic := common.BytesToHash(identity.Bytes())

	asSender := ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{eventID}, {addrTopic}},
	}
	asRecipient := ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{eventID}, nil, {addrTopic}},
	}

	var events []models.AnnouncementEvent
	for _, query := range []ethereum.FilterQuery{asSender, asRecipient} {
		logs, err := g.backend.FilterLogs(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("query announcement history: %w", err)
		}
		for _, entry := range logs {
			event, err := g.parseLog(entry)
			if err != nil {
				g.log.Warn("skipping unparseable announcement log", slog.String("error", err.Error()))
				continue
			}
			events = append(events, event)
		}
	}
	return events, nil
}

// Subscribe delivers each new announcement involving identity exactly once
// per underlying ledger notification. Notifications are not deduplicated
// against QueryHistory results. The returned cancel stops delivery.
func (g *Gateway) Subscribe(ctx context.Context, identity common.Address, onEvent func(models.AnnouncementEvent)) (func(), error) {
	eventID := mailboxABI.Events["Message"].ID
	addrTopic := common.BytesToHash(identity.Bytes())

	subCtx, cancel := context.WithCancel(ctx)
	logs := make(chan types.Log, 16)

	var subs []ethereum.Subscription
	for _, topics := range [][][]common.Hash{
		{{eventID}, {addrTopic}},
		{{eventID}, nil, {addrTopic}},
	} {
		sub, err := g.backend.SubscribeFilterLogs(subCtx, ethereum.FilterQuery{
			Addresses: []common.Address{g.contract},
			Topics:    topics,
		}, logs)
		if err != nil {
			cancel()
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe announcements: %w", err)
		}
		subs = append(subs, sub)
	}

	go func() {
		defer func() {
			for _, s := range subs {
				s.Unsubscribe()
			}
		}()
		errs := make(chan error, len(subs))
		for _, s := range subs {
			s := s
			go func() {
				if err, ok := <-s.Err(); ok && err != nil {
					errs <- err
				}
			}()
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case err := <-errs:
				g.log.Warn("announcement subscription dropped", slog.String("error", err.Error()))
				return
			case entry := <-logs:
				event, err := g.parseLog(entry)
				if err != nil {
					g.log.Warn("skipping unparseable announcement log", slog.String("error", err.Error()))
					continue
				}
				onEvent(event)
			}
		}
	}()
	return cancel, nil
}

// PollNew queries events strictly newer than afterBlock and returns them with
// the new high-water mark. It is the liveness fallback when no push
// subscription is available, and both paths feed the same merge.
func (g *Gateway) PollNew(ctx context.Context, identity common.Address, afterBlock uint64) ([]models.AnnouncementEvent, uint64, error) {
	head, err := g.backend.BlockNumber(ctx)
	if err != nil {
		return nil, afterBlock, fmt.Errorf("poll head: %w", err)
	}
	if head <= afterBlock {
		return nil, afterBlock, nil
	}
	events, err := g.QueryHistory(ctx, identity,
		new(big.Int).SetUint64(afterBlock+1),
		new(big.Int).SetUint64(head))
	if err != nil {
		return nil, afterBlock, err
	}
	return events, head, nil
}

func (g *Gateway) parseLog(entry types.Log) (models.AnnouncementEvent, error) {
	if len(entry.Topics) != 3 {
		return models.AnnouncementEvent{}, fmt.Errorf("unexpected topic count %d", len(entry.Topics))
	}
	unpacked, err := mailboxABI.Unpack("Message", entry.Data)
	if err != nil {
		return models.AnnouncementEvent{}, fmt.Errorf("unpack event data: %w", err)
	}
	contentID, ok := unpacked[0].(string)
	if !ok {
		return models.AnnouncementEvent{}, errors.New("event cid field is not a string")
	}
	sentAt, ok := unpacked[2].(uint64)
	if !ok {
		return models.AnnouncementEvent{}, errors.New("event sentAt field is not a uint64")
	}
	return models.AnnouncementEvent{
		From:      common.BytesToAddress(entry.Topics[1].Bytes()).Hex(),
		To:        common.BytesToAddress(entry.Topics[2].Bytes()).Hex(),
		ContentID: contentID,
		SentAt:    time.Unix(int64(sentAt), 0).UTC(),
		Ordinal: models.Ordinal{
			BlockNumber: entry.BlockNumber,
			TxIndex:     entry.TxIndex,
			LogIndex:    entry.Index,
		},
	}, nil
}

// Transact packs a signed legacy transaction to a contract and waits for its
// inclusion. Shared by the announcement gateway and the directory client.
func Transact(ctx context.Context, backend Backend, signer Signer, to common.Address, data []byte) (*types.Receipt, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", ErrSubmissionFailed, err)
	}
	nonce, err := backend.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrSubmissionFailed, err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrSubmissionFailed, err)
	}
	gasLimit, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     signer.Address(),
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", ErrSubmissionFailed, err)
	}

	tx := types.NewTransaction(nonce, to, new(big.Int), gasLimit, gasPrice, data)
	signed, err := signer.SignTx(chainID, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrSubmissionFailed, err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: send: %v", ErrSubmissionFailed, err)
	}

	receipt, err := waitMined(ctx, backend, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: transaction %s reverted", ErrSubmissionFailed, signed.Hash().Hex())
	}
	return receipt, nil
}

func waitMined(ctx context.Context, backend Backend, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: receipt: %v", ErrSubmissionFailed, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
