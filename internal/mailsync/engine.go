// Package mailsync orchestrates the encrypted mailbox: it loads history from
// the ledger, ingests new announcements from push and poll paths through one
// idempotent merge, and composes directory + crypto + blob + ledger on send.
package mailsync

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"blockmail/go-backend/internal/blobstore"
	"blockmail/go-backend/internal/cryptobox"
	"blockmail/go-backend/internal/directory"
	"blockmail/go-backend/internal/keystore"
	"blockmail/go-backend/internal/ledger"
	"blockmail/go-backend/internal/mailbox"
	"blockmail/go-backend/internal/platform/ratelimiter"
	"blockmail/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type State string

const (
	StateIdle        State = "idle"
	StateActivating  State = "activating"
	StateSynced      State = "synced"
	StateRefreshing  State = "refreshing"
	StateDeactivated State = "deactivated"
)

var (
	ErrActivationFailed    = errors.New("mailbox activation failed")
	ErrAlreadyActive       = errors.New("mailbox is already active")
	ErrNotActive           = errors.New("mailbox is not active")
	ErrRecipientKeyMissing = errors.New("recipient has not registered a public key")
)

const (
	// DefaultPollInterval bounds how stale the mailbox can get when no push
	// subscription is available.
	DefaultPollInterval = 30 * time.Second

	eventBufferSize  = 256
	noticeBufferSize = 16
)

// Announcer is the ledger-facing port. *ledger.Gateway satisfies it.
type Announcer interface {
	Submit(ctx context.Context, signer ledger.Signer, to common.Address, contentID string, metaHash [32]byte) (*types.Receipt, error)
	QueryHistory(ctx context.Context, identity common.Address, fromBlock, toBlock *big.Int) ([]models.AnnouncementEvent, error)
	Subscribe(ctx context.Context, identity common.Address, onEvent func(models.AnnouncementEvent)) (func(), error)
	PollNew(ctx context.Context, identity common.Address, afterBlock uint64) ([]models.AnnouncementEvent, uint64, error)
}

// Directory is the key registry port. *directory.Client satisfies it.
type Directory interface {
	Enabled() bool
	Resolve(ctx context.Context, identity common.Address) ([32]byte, error)
	PublishIfStale(ctx context.Context, signer ledger.Signer, pk [32]byte) (bool, error)
}

// KeyStore is the key material port. *keystore.Store satisfies it.
type KeyStore interface {
	Ensure(identity string) (keystore.KeyPair, error)
}

// Notice is a non-fatal side-channel report, e.g. a failed key publish.
type Notice struct {
	Kind string
	Err  error
}

const (
	NoticePublishFailed   = "publish_failed"
	NoticeSubscribeFailed = "subscribe_failed"
	NoticeKeyPublished    = "key_published"
)

// Engine is the single authoritative owner of one identity's mailbox at a
// time. Mailbox snapshots are safe to read from any goroutine; all writes go
// through the engine's merge path.
type Engine struct {
	announcer Announcer
	directory Directory
	keys      KeyStore
	blobs     blobstore.Store
	metrics   *Metrics
	log       *slog.Logger

	pollInterval time.Duration
	now          func() time.Time
	retryLimiter *ratelimiter.MapLimiter

	mu        sync.Mutex
	state     State
	identity  common.Address
	signer    ledger.Signer
	pair      keystore.KeyPair
	lastBlock uint64
	cancelRun context.CancelFunc
	notices   chan Notice
	wg        sync.WaitGroup

	box *mailbox.Mailbox
}

type Option func(*Engine)

func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.pollInterval = interval
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

func NewEngine(announcer Announcer, dir Directory, keys KeyStore, blobs blobstore.Store, opts ...Option) *Engine {
	e := &Engine{
		announcer:    announcer,
		directory:    dir,
		keys:         keys,
		blobs:        blobs,
		log:          slog.Default(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		state:        StateIdle,
		notices:      make(chan Notice, noticeBufferSize),
		box:          mailbox.New(),
		// One retry per content id every 10s, keyed so a flaky gateway is
		// not hammered for the same blob on every refresh.
		retryLimiter: ratelimiter.New(0.1, 1, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e
}

// Activate loads the identity's mailbox and starts ingesting new
// announcements. A fatal load error returns the engine to Idle; activation
// can then simply be retried.
func (e *Engine) Activate(ctx context.Context, identity common.Address, signer ledger.Signer) error {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateDeactivated {
		e.mu.Unlock()
		return ErrAlreadyActive
	}
	// cancelRun must be visible to Deactivate before the first unlock, so a
	// deactivation racing a slow key load still reaches the run context.
	runCtx, cancelRun := context.WithCancel(context.Background())
	e.state = StateActivating
	e.identity = identity
	e.signer = signer
	e.lastBlock = 0
	e.cancelRun = cancelRun
	events := make(chan models.AnnouncementEvent, eventBufferSize)
	e.mu.Unlock()

	pair, err := e.keys.Ensure(identity.Hex())
	if err != nil {
		cancelRun()
		e.finishActivation(StateIdle)
		return fmt.Errorf("%w: ensure key pair: %v", ErrActivationFailed, err)
	}
	e.mu.Lock()
	e.pair = pair
	e.mu.Unlock()

	// Subscription starts before the history query so that announcements
	// arriving mid-activation queue in the funnel instead of being lost.
	// They are applied once the run loop starts; the merge dedupes overlap.
	if _, err := e.announcer.Subscribe(runCtx, identity, func(ev models.AnnouncementEvent) {
		select {
		case events <- ev:
		case <-runCtx.Done():
		}
	}); err != nil {
		e.log.Warn("push subscription unavailable, relying on polling",
			slog.String("error", err.Error()))
		e.notice(Notice{Kind: NoticeSubscribeFailed, Err: err})
	}

	// Key publication must not block mailbox readiness; failures are
	// reported on the notice channel instead.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		published, err := e.directory.PublishIfStale(runCtx, signer, pair.Public)
		if err != nil {
			e.notice(Notice{Kind: NoticePublishFailed, Err: err})
			return
		}
		if published {
			e.notice(Notice{Kind: NoticeKeyPublished})
		}
	}()

	history, err := e.announcer.QueryHistory(ctx, identity, nil, nil)
	if err != nil {
		cancelRun()
		e.finishActivation(StateIdle)
		return fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	var maxBlock uint64
	for _, ev := range history {
		if ev.Ordinal.BlockNumber > maxBlock {
			maxBlock = ev.Ordinal.BlockNumber
		}
		e.applyEvent(ctx, ev)
	}
	e.mu.Lock()
	e.lastBlock = maxBlock
	e.mu.Unlock()

	if !e.finishActivation(StateSynced) {
		// Deactivated while the load was in flight: stop both delivery
		// paths and drop what the load produced.
		cancelRun()
		e.box.Clear()
		e.metrics.MailboxSize.Set(0)
		e.log.Info("activation abandoned, mailbox deactivated")
		return nil
	}
	e.log.Info("mailbox activated",
		slog.String("identity", identity.Hex()),
		slog.Int("messages", e.box.Len()))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(runCtx, events)
	}()
	return nil
}

// Deactivate stops the subscription and poll loop and clears the in-memory
// mailbox. The engine can be activated again afterwards.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	if e.state == StateIdle || e.state == StateDeactivated {
		e.mu.Unlock()
		return
	}
	e.state = StateDeactivated
	cancel := e.cancelRun
	e.cancelRun = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.box.Clear()
	e.metrics.MailboxSize.Set(0)
	e.log.Info("mailbox deactivated")
}

// Send resolves the recipient's key, seals the payload, stores the envelope
// and announces it on the ledger. On success the sent message is merged
// locally right away; a later event-driven rediscovery of the same content id
// is a no-op.
func (e *Engine) Send(ctx context.Context, to common.Address, subject, body string) (models.Message, error) {
	e.mu.Lock()
	if e.state != StateSynced && e.state != StateRefreshing {
		e.mu.Unlock()
		return models.Message{}, ErrNotActive
	}
	identity := e.identity
	signer := e.signer
	pair := e.pair
	e.mu.Unlock()

	recipientPk, err := e.directory.Resolve(ctx, to)
	if err != nil {
		if errors.Is(err, directory.ErrNotRegistered) {
			return models.Message{}, ErrRecipientKeyMissing
		}
		return models.Message{}, fmt.Errorf("resolve recipient key: %w", err)
	}

	payload := models.Payload{
		From:      identity.Hex(),
		To:        to.Hex(),
		Subject:   subject,
		Body:      body,
		Timestamp: e.now().UnixMilli(),
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode payload: %w", err)
	}
	nonce, ciphertext, err := cryptobox.Seal(plaintext, recipientPk[:], pair.Secret[:])
	if err != nil {
		return models.Message{}, fmt.Errorf("seal payload: %w", err)
	}

	envelope := models.Envelope{
		From:       identity.Hex(),
		To:         to.Hex(),
		Nonce:      hex.EncodeToString(nonce[:]),
		Ciphertext: hex.EncodeToString(ciphertext),
	}
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode envelope: %w", err)
	}

	contentID, err := e.blobs.Put(ctx, envelopeBytes)
	if err != nil {
		return models.Message{}, fmt.Errorf("store envelope: %w", err)
	}

	receipt, err := e.announcer.Submit(ctx, signer, to, contentID, ethcrypto.Keccak256Hash(envelopeBytes))
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        contentID,
		From:      identity.Hex(),
		To:        to.Hex(),
		Subject:   subject,
		Body:      body,
		Timestamp: time.UnixMilli(payload.Timestamp).UTC(),
		Direction: models.DirectionSent,
		Read:      true,
		Decrypted: true,
	}
	if receipt != nil && receipt.BlockNumber != nil {
		msg.Ordinal.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if e.box.Merge(msg) {
		e.metrics.SendsTotal.Inc()
		e.metrics.MailboxSize.Set(float64(e.box.Len()))
	}
	e.log.Info("message sent",
		slog.String("recipient", to.Hex()),
		slog.String("cid", contentID))
	return msg, nil
}

// Refresh re-queries the ledger past the last observed block and retries
// placeholder messages whose content may have become fetchable. A refresh
// already in flight on the funnel does not make the mailbox inactive.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateSynced && e.state != StateRefreshing {
		e.mu.Unlock()
		return ErrNotActive
	}
	e.mu.Unlock()

	e.poll(ctx)
	e.retryPlaceholders(ctx)
	return nil
}

// Messages returns a snapshot of the mailbox, newest first.
func (e *Engine) Messages() []models.Message {
	return e.box.Snapshot()
}

// MarkRead flags one message as read.
func (e *Engine) MarkRead(contentID string) bool {
	return e.box.MarkRead(contentID)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Notices reports non-fatal side-channel events such as publish failures.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

func (e *Engine) run(ctx context.Context, events <-chan models.AnnouncementEvent) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.ingest(ctx, ev)
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

// ingest applies one live announcement: Synced -> Refreshing -> Synced.
func (e *Engine) ingest(ctx context.Context, ev models.AnnouncementEvent) {
	if e.box.Contains(ev.ContentID) {
		e.metrics.DuplicatesDropped.Inc()
		return
	}
	e.enterRefreshing()
	defer e.leaveRefreshing()

	e.mu.Lock()
	if ev.Ordinal.BlockNumber > e.lastBlock {
		e.lastBlock = ev.Ordinal.BlockNumber
	}
	e.mu.Unlock()
	e.applyEvent(ctx, ev)
}

// poll is the liveness fallback: query events strictly newer than the last
// observed inclusion point and push them through the same merge.
func (e *Engine) poll(ctx context.Context) {
	e.mu.Lock()
	identity := e.identity
	after := e.lastBlock
	e.mu.Unlock()

	events, mark, err := e.announcer.PollNew(ctx, identity, after)
	if err != nil {
		e.log.Warn("poll failed", slog.String("error", err.Error()))
		return
	}
	e.mu.Lock()
	if mark > e.lastBlock {
		e.lastBlock = mark
	}
	e.mu.Unlock()

	if len(events) == 0 {
		return
	}
	e.enterRefreshing()
	defer e.leaveRefreshing()
	for _, ev := range events {
		if e.box.Contains(ev.ContentID) {
			e.metrics.DuplicatesDropped.Inc()
			continue
		}
		e.applyEvent(ctx, ev)
	}
}

// applyEvent resolves an announcement into a Message and merges it. Fetch
// and decrypt failures degrade the one message to a placeholder; they never
// abort the batch.
func (e *Engine) applyEvent(ctx context.Context, ev models.AnnouncementEvent) {
	if e.box.Contains(ev.ContentID) {
		e.metrics.DuplicatesDropped.Inc()
		return
	}
	msg := e.resolveEvent(ctx, ev)
	if e.box.Merge(msg) {
		e.metrics.EventsIngested.Inc()
		e.metrics.MailboxSize.Set(float64(e.box.Len()))
	} else {
		e.metrics.DuplicatesDropped.Inc()
	}
}

func (e *Engine) resolveEvent(ctx context.Context, ev models.AnnouncementEvent) models.Message {
	e.mu.Lock()
	identity := e.identity
	pair := e.pair
	e.mu.Unlock()

	dir := models.DirectionReceived
	if strings.EqualFold(ev.From, identity.Hex()) {
		dir = models.DirectionSent
	}

	base := models.Message{
		ID:        ev.ContentID,
		From:      ev.From,
		To:        ev.To,
		Timestamp: ev.SentAt,
		Direction: dir,
		Read:      dir == models.DirectionSent,
		Ordinal:   ev.Ordinal,
	}

	envelopeBytes, err := e.blobs.Get(ctx, ev.ContentID)
	if err != nil {
		e.metrics.BlobFetchFailures.Inc()
		e.log.Warn("envelope fetch failed",
			slog.String("cid", ev.ContentID),
			slog.String("error", err.Error()))
		return unavailablePlaceholder(base)
	}
	var envelope models.Envelope
	if err := json.Unmarshal(envelopeBytes, &envelope); err != nil {
		e.metrics.BlobFetchFailures.Inc()
		return unavailablePlaceholder(base)
	}
	if envelope.From != "" {
		base.From = envelope.From
	}
	if envelope.To != "" {
		base.To = envelope.To
	}

	if !envelope.Sealed() {
		// Legacy plaintext envelope.
		base.Subject = envelope.Subject
		base.Body = envelope.Body
		if envelope.Timestamp > 0 {
			base.Timestamp = time.UnixMilli(envelope.Timestamp).UTC()
		}
		return base
	}

	plaintext, err := e.openSealed(ctx, envelope, dir, pair)
	if err != nil {
		e.metrics.DecryptFailures.Inc()
		e.log.Debug("envelope not decryptable",
			slog.String("cid", ev.ContentID),
			slog.String("error", err.Error()))
		return encryptedPlaceholder(base)
	}

	var payload models.Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		e.metrics.DecryptFailures.Inc()
		return encryptedPlaceholder(base)
	}
	base.Subject = payload.Subject
	base.Body = payload.Body
	base.Decrypted = true
	if payload.Timestamp > 0 {
		base.Timestamp = time.UnixMilli(payload.Timestamp).UTC()
	}
	return base
}

// openSealed decrypts an envelope with the counterparty key from the
// directory: the sender's key for received mail, the recipient's for our own
// sent mail rediscovered from the ledger (box encryption is symmetric in the
// two key pairs).
func (e *Engine) openSealed(ctx context.Context, envelope models.Envelope, dir models.Direction, pair keystore.KeyPair) ([]byte, error) {
	counterparty := envelope.From
	if dir == models.DirectionSent {
		counterparty = envelope.To
	}
	if counterparty == "" {
		return nil, errors.New("envelope missing counterparty address")
	}
	peerPk, err := e.directory.Resolve(ctx, common.HexToAddress(counterparty))
	if err != nil {
		return nil, fmt.Errorf("resolve counterparty key: %w", err)
	}
	nonce, err := hex.DecodeString(envelope.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return cryptobox.Open(ciphertext, nonce, peerPk[:], pair.Secret[:])
}

// retryPlaceholders re-resolves degraded entries and upgrades any that have
// become readable, keeping their mailbox position.
func (e *Engine) retryPlaceholders(ctx context.Context) {
	for _, contentID := range e.box.Placeholders() {
		if !e.retryLimiter.Allow(contentID, e.now()) {
			continue
		}
		stale, ok := e.box.Get(contentID)
		if !ok {
			continue
		}
		resolved := e.resolveEvent(ctx, models.AnnouncementEvent{
			From:      stale.From,
			To:        stale.To,
			ContentID: contentID,
			SentAt:    stale.Timestamp,
			Ordinal:   stale.Ordinal,
		})
		if resolved.Placeholder == models.PlaceholderNone {
			resolved.Read = stale.Read
			e.box.Upgrade(resolved)
		}
	}
}

func (e *Engine) enterRefreshing() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSynced {
		e.state = StateRefreshing
	}
}

func (e *Engine) leaveRefreshing() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRefreshing {
		e.state = StateSynced
	}
}

// finishActivation leaves Activating without resurrecting a mailbox that was
// deactivated mid-activation. It reports whether the transition happened.
func (e *Engine) finishActivation(to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateActivating {
		e.state = to
		return true
	}
	return false
}

func (e *Engine) notice(n Notice) {
	select {
	case e.notices <- n:
	default:
		// Notices are advisory; a full channel drops the new one.
	}
}

func unavailablePlaceholder(base models.Message) models.Message {
	base.Subject = "Unavailable message"
	base.Body = "(Content unavailable)"
	base.Placeholder = models.PlaceholderUnavailable
	return base
}

func encryptedPlaceholder(base models.Message) models.Message {
	base.Subject = "Encrypted message"
	base.Body = "(Encrypted)"
	base.Placeholder = models.PlaceholderEncrypted
	return base
}
