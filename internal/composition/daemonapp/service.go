// Package daemonapp wires configuration, the ledger client, the blob store
// and the key store into a running mailbox engine.
package daemonapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"blockmail/go-backend/internal/blobstore"
	"blockmail/go-backend/internal/config"
	"blockmail/go-backend/internal/directory"
	"blockmail/go-backend/internal/keystore"
	"blockmail/go-backend/internal/ledger"
	"blockmail/go-backend/internal/mailsync"
	"blockmail/go-backend/internal/platform/privacylog"
	"blockmail/go-backend/internal/session"
	"blockmail/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// fetchRPS bounds gateway reads so placeholder retries cannot hammer the
// public gateway.
const fetchRPS = 4

type Options struct {
	ConfigPath string
	DataDir    string
	// Identity is the 0x account whose mailbox this process serves.
	Identity string
	// SigningKey is the hex-encoded ECDSA key for that account.
	SigningKey string
}

type Service struct {
	cfg      config.Config
	log      *slog.Logger
	identity common.Address
	signer   *ledger.KeySigner
	registry *prometheus.Registry

	engine   *mailsync.Engine
	sessions *session.Cache
	client   *ethclient.Client
}

func NewService(opts Options) (*Service, error) {
	cfg := config.LoadFromPath(opts.ConfigPath)
	if opts.DataDir != "" {
		cfg.Daemon.DataDir = opts.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Identity == "" {
		return nil, fmt.Errorf("identity address is required")
	}
	if opts.SigningKey == "" {
		return nil, fmt.Errorf("signing key is required")
	}
	if !common.IsHexAddress(opts.Identity) {
		return nil, fmt.Errorf("invalid identity address %q", opts.Identity)
	}

	signer, err := ledger.NewKeySigner(opts.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	identity := common.HexToAddress(opts.Identity)
	if signer.Address() != identity {
		return nil, fmt.Errorf("signing key does not belong to %s", identity.Hex())
	}

	logger := slog.New(privacylog.WrapHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	slog.SetDefault(logger)

	return &Service{
		cfg:      cfg,
		log:      logger,
		identity: identity,
		signer:   signer,
		registry: prometheus.NewRegistry(),
	}, nil
}

// Run activates the mailbox and blocks until the context is cancelled, then
// deactivates cleanly.
func (s *Service) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Daemon.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	endpoint := s.cfg.Ledger.WSEndpoint
	if endpoint == "" {
		endpoint = s.cfg.Ledger.RPCEndpoint
	}
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("dial ledger endpoint: %w", err)
	}
	s.client = client
	defer client.Close()

	gateway := ledger.NewGateway(client, common.HexToAddress(s.cfg.Ledger.MailboxContract), s.log)

	var registryAddr common.Address
	if s.cfg.Ledger.DirectoryContract != "" {
		registryAddr = common.HexToAddress(s.cfg.Ledger.DirectoryContract)
	}
	dir := directory.NewClient(client, registryAddr, s.log)

	blobs, err := s.buildBlobStore()
	if err != nil {
		return err
	}

	passphrase := config.StatePassphrase()
	keys, err := keystore.NewPersistent(
		filepath.Join(s.cfg.Daemon.DataDir, "keys.json"), passphrase)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	sessions, err := session.NewPersistentCache(
		filepath.Join(s.cfg.Daemon.DataDir, "sessions.json"), passphrase, session.DefaultCapacity)
	if err != nil {
		return fmt.Errorf("open session cache: %w", err)
	}
	s.sessions = sessions

	s.engine = mailsync.NewEngine(gateway, dir, keys, blobs,
		mailsync.WithLogger(s.log),
		mailsync.WithMetrics(mailsync.NewMetrics(s.registry)),
		mailsync.WithPollInterval(s.cfg.Ledger.PollInterval),
	)

	metricsSrv := s.startMetricsServer()

	if err := s.engine.Activate(ctx, s.identity, s.signer); err != nil {
		return err
	}
	if pair, ok := keys.Get(s.identity.Hex()); ok {
		err := sessions.Touch(models.Session{
			Address:   s.identity.Hex(),
			PublicKey: pair.PublicHex(),
			LastUsed:  time.Now().UTC(),
		})
		if err != nil {
			s.log.Warn("session cache update failed", slog.String("error", err.Error()))
		}
	}

	go s.drainNotices(ctx)

	<-ctx.Done()
	s.engine.Deactivate()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// Engine exposes the running mailbox for embedding callers.
func (s *Service) Engine() *mailsync.Engine {
	return s.engine
}

func (s *Service) buildBlobStore() (blobstore.Store, error) {
	if s.cfg.Blob.LocalDir != "" {
		local, err := blobstore.NewLocal(s.cfg.Blob.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("open local blob store: %w", err)
		}
		return local, nil
	}
	return blobstore.NewClient(
		s.cfg.Blob.UploadURL, s.cfg.Blob.GatewayURL, s.cfg.Blob.Token, fetchRPS), nil
}

func (s *Service) startMetricsServer() *http.Server {
	if s.cfg.Daemon.MetricsAddr == "" {
		return nil
	}
	s.registry.MustRegister(collectors.NewGoCollector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.cfg.Daemon.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func (s *Service) drainNotices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.engine.Notices():
			switch n.Kind {
			case mailsync.NoticeKeyPublished:
				s.log.Info("directory key published")
			case mailsync.NoticePublishFailed:
				s.log.Warn("directory key publish failed",
					slog.String("error", n.Err.Error()))
			case mailsync.NoticeSubscribeFailed:
				s.log.Warn("push subscription failed, polling only",
					slog.String("error", n.Err.Error()))
			}
		}
	}
}
