// Package config loads daemon configuration from an optional yaml file with
// environment overrides layered on top.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Ledger LedgerConfig `yaml:"ledger"`
	Blob   BlobConfig   `yaml:"blob"`
	Daemon DaemonConfig `yaml:"daemon"`
}

type LedgerConfig struct {
	// RPCEndpoint is the HTTP JSON-RPC endpoint. WSEndpoint is optional;
	// without it the engine relies on polling alone.
	RPCEndpoint     string `yaml:"rpcEndpoint"`
	WSEndpoint      string `yaml:"wsEndpoint"`
	MailboxContract string `yaml:"mailboxContract"`
	// DirectoryContract may be empty; the directory is then disabled and
	// only legacy plaintext mail can be exchanged.
	DirectoryContract string        `yaml:"directoryContract"`
	PollInterval      time.Duration `yaml:"pollInterval"`
}

type BlobConfig struct {
	UploadURL  string `yaml:"uploadURL"`
	GatewayURL string `yaml:"gatewayURL"`
	// Token is read from BLOCKMAIL_BLOB_TOKEN in preference to the file.
	Token string `yaml:"token"`
	// LocalDir switches uploads to an on-disk store; useful for tests and
	// offline runs.
	LocalDir string `yaml:"localDir"`
}

type DaemonConfig struct {
	DataDir     string `yaml:"dataDir"`
	MetricsAddr string `yaml:"metricsAddr"`
}

func DefaultConfig() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCEndpoint:  "http://127.0.0.1:8545",
			PollInterval: 30 * time.Second,
		},
		Blob: BlobConfig{
			UploadURL:  "https://api.pinata.cloud/pinning/pinFileToIPFS",
			GatewayURL: "https://gateway.pinata.cloud",
		},
		Daemon: DaemonConfig{
			DataDir:     defaultDataDir(),
			MetricsAddr: "127.0.0.1:9464",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blockmail"
	}
	return home + "/.blockmail"
}

func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"go-backend/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src Config) {
	if src.Ledger.RPCEndpoint != "" {
		dst.Ledger.RPCEndpoint = src.Ledger.RPCEndpoint
	}
	if src.Ledger.WSEndpoint != "" {
		dst.Ledger.WSEndpoint = src.Ledger.WSEndpoint
	}
	if src.Ledger.MailboxContract != "" {
		dst.Ledger.MailboxContract = src.Ledger.MailboxContract
	}
	if src.Ledger.DirectoryContract != "" {
		dst.Ledger.DirectoryContract = src.Ledger.DirectoryContract
	}
	if src.Ledger.PollInterval != 0 {
		dst.Ledger.PollInterval = src.Ledger.PollInterval
	}
	if src.Blob.UploadURL != "" {
		dst.Blob.UploadURL = src.Blob.UploadURL
	}
	if src.Blob.GatewayURL != "" {
		dst.Blob.GatewayURL = src.Blob.GatewayURL
	}
	if src.Blob.Token != "" {
		dst.Blob.Token = src.Blob.Token
	}
	if src.Blob.LocalDir != "" {
		dst.Blob.LocalDir = src.Blob.LocalDir
	}
	if src.Daemon.DataDir != "" {
		dst.Daemon.DataDir = src.Daemon.DataDir
	}
	if src.Daemon.MetricsAddr != "" {
		dst.Daemon.MetricsAddr = src.Daemon.MetricsAddr
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("BLOCKMAIL_RPC_ENDPOINT"); v != "" {
		cfg.Ledger.RPCEndpoint = v
	}
	if v := envString("BLOCKMAIL_WS_ENDPOINT"); v != "" {
		cfg.Ledger.WSEndpoint = v
	}
	if v := envString("BLOCKMAIL_MAILBOX_CONTRACT"); v != "" {
		cfg.Ledger.MailboxContract = v
	}
	if v := envString("BLOCKMAIL_DIRECTORY_CONTRACT"); v != "" {
		cfg.Ledger.DirectoryContract = v
	}
	if v := envDuration("BLOCKMAIL_POLL_INTERVAL"); v != 0 {
		cfg.Ledger.PollInterval = v
	}
	if v := envString("BLOCKMAIL_BLOB_UPLOAD_URL"); v != "" {
		cfg.Blob.UploadURL = v
	}
	if v := envString("BLOCKMAIL_BLOB_GATEWAY_URL"); v != "" {
		cfg.Blob.GatewayURL = v
	}
	if v := envString("BLOCKMAIL_BLOB_TOKEN"); v != "" {
		cfg.Blob.Token = v
	}
	if v := envString("BLOCKMAIL_BLOB_LOCAL_DIR"); v != "" {
		cfg.Blob.LocalDir = v
	}
	if v := envString("BLOCKMAIL_DATA_DIR"); v != "" {
		cfg.Daemon.DataDir = v
	}
	if v := envString("BLOCKMAIL_METRICS_ADDR"); v != "" {
		cfg.Daemon.MetricsAddr = v
	}
}

// StatePassphrase is read from the environment only; it never lives in the
// config file.
func StatePassphrase() string {
	return os.Getenv("BLOCKMAIL_STATE_PASSPHRASE")
}

func (c Config) Validate() error {
	if c.Ledger.RPCEndpoint == "" {
		return errors.New("ledger rpc endpoint is required")
	}
	if c.Ledger.MailboxContract == "" {
		return errors.New("mailbox contract address is required")
	}
	if c.Blob.LocalDir == "" && (c.Blob.UploadURL == "" || c.Blob.GatewayURL == "") {
		return errors.New("either a local blob dir or upload and gateway urls are required")
	}
	return nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envDuration(key string) time.Duration {
	raw := envString(key)
	if raw == "" {
		return 0
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
