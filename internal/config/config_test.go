package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMergeKeepsDefaultsWhenUnset(t *testing.T) {
	dst := DefaultConfig()
	Merge(&dst, Config{})

	if dst.Ledger.RPCEndpoint != "http://127.0.0.1:8545" {
		t.Fatalf("expected default rpc endpoint, got %q", dst.Ledger.RPCEndpoint)
	}
	if dst.Ledger.PollInterval != 30*time.Second {
		t.Fatalf("expected default pollInterval=30s, got %s", dst.Ledger.PollInterval)
	}
	if dst.Blob.GatewayURL != "https://gateway.pinata.cloud" {
		t.Fatalf("expected default gateway url, got %q", dst.Blob.GatewayURL)
	}
}

func TestMergeAppliesExplicitValues(t *testing.T) {
	dst := DefaultConfig()
	src := Config{
		Ledger: LedgerConfig{
			RPCEndpoint:       "https://rpc.example.org",
			WSEndpoint:        "wss://rpc.example.org",
			MailboxContract:   "0x1111111111111111111111111111111111111111",
			DirectoryContract: "0x2222222222222222222222222222222222222222",
			PollInterval:      10 * time.Second,
		},
		Blob: BlobConfig{
			LocalDir: "/tmp/blobs",
		},
		Daemon: DaemonConfig{
			DataDir: "/var/lib/blockmail",
		},
	}

	Merge(&dst, src)

	if dst.Ledger.RPCEndpoint != "https://rpc.example.org" {
		t.Fatalf("expected merged rpc endpoint, got %q", dst.Ledger.RPCEndpoint)
	}
	if dst.Ledger.WSEndpoint != "wss://rpc.example.org" {
		t.Fatalf("expected merged ws endpoint, got %q", dst.Ledger.WSEndpoint)
	}
	if dst.Ledger.PollInterval != 10*time.Second {
		t.Fatalf("expected pollInterval=10s, got %s", dst.Ledger.PollInterval)
	}
	if dst.Blob.LocalDir != "/tmp/blobs" {
		t.Fatalf("expected merged local dir, got %q", dst.Blob.LocalDir)
	}
	if dst.Blob.UploadURL == "" {
		t.Fatal("merge must not clear upload url default")
	}
	if dst.Daemon.DataDir != "/var/lib/blockmail" {
		t.Fatalf("expected merged data dir, got %q", dst.Daemon.DataDir)
	}
}

func TestLoadFromPathReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
ledger:
  rpcEndpoint: https://rpc.example.org
  mailboxContract: "0x1111111111111111111111111111111111111111"
  pollInterval: 15s
blob:
  localDir: /tmp/blobs
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg := LoadFromPath(path)
	if cfg.Ledger.RPCEndpoint != "https://rpc.example.org" {
		t.Fatalf("expected rpc endpoint from file, got %q", cfg.Ledger.RPCEndpoint)
	}
	if cfg.Ledger.PollInterval != 15*time.Second {
		t.Fatalf("expected pollInterval=15s, got %s", cfg.Ledger.PollInterval)
	}
	if cfg.Blob.LocalDir != "/tmp/blobs" {
		t.Fatalf("expected local dir from file, got %q", cfg.Blob.LocalDir)
	}
	if cfg.Daemon.MetricsAddr != "127.0.0.1:9464" {
		t.Fatalf("expected default metrics addr, got %q", cfg.Daemon.MetricsAddr)
	}
}

func TestLoadFromPathFallsBackToDefaults(t *testing.T) {
	cfg := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Ledger.RPCEndpoint != "http://127.0.0.1:8545" {
		t.Fatalf("expected default rpc endpoint, got %q", cfg.Ledger.RPCEndpoint)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("BLOCKMAIL_RPC_ENDPOINT", "https://env.example.org")
	t.Setenv("BLOCKMAIL_MAILBOX_CONTRACT", "0x3333333333333333333333333333333333333333")
	t.Setenv("BLOCKMAIL_POLL_INTERVAL", "45s")
	t.Setenv("BLOCKMAIL_BLOB_TOKEN", "env-token")

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)

	if cfg.Ledger.RPCEndpoint != "https://env.example.org" {
		t.Fatalf("expected rpc endpoint from env, got %q", cfg.Ledger.RPCEndpoint)
	}
	if cfg.Ledger.MailboxContract != "0x3333333333333333333333333333333333333333" {
		t.Fatalf("expected mailbox contract from env, got %q", cfg.Ledger.MailboxContract)
	}
	if cfg.Ledger.PollInterval != 45*time.Second {
		t.Fatalf("expected pollInterval=45s from env, got %s", cfg.Ledger.PollInterval)
	}
	if cfg.Blob.Token != "env-token" {
		t.Fatalf("expected blob token from env, got %q", cfg.Blob.Token)
	}
}

func TestApplyEnvOverridesAcceptsBareSeconds(t *testing.T) {
	t.Setenv("BLOCKMAIL_POLL_INTERVAL", "20")
	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.Ledger.PollInterval != 20*time.Second {
		t.Fatalf("expected pollInterval=20s, got %s", cfg.Ledger.PollInterval)
	}
}

func TestApplyEnvOverridesIgnoresInvalidDuration(t *testing.T) {
	t.Setenv("BLOCKMAIL_POLL_INTERVAL", "soon")
	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.Ledger.PollInterval != 30*time.Second {
		t.Fatalf("invalid env duration must not change pollInterval, got %s", cfg.Ledger.PollInterval)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure without mailbox contract")
	}

	cfg.Ledger.MailboxContract = "0x1111111111111111111111111111111111111111"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.Blob.UploadURL = ""
	cfg.Blob.GatewayURL = ""
	cfg.Blob.LocalDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure without any blob store")
	}
}
