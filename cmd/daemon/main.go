package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"blockmail/go-backend/internal/composition/daemonapp"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	identity := flag.String("identity", "", "Account address whose mailbox to serve")
	keyHex := flag.String("key", "", "Hex-encoded signing key (or set BLOCKMAIL_SIGNING_KEY)")
	rpcEndpoint := flag.String("rpc-endpoint", "", "Ledger JSON-RPC endpoint override")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus /metrics listen address override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("blockmail-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *rpcEndpoint != "" {
		_ = os.Setenv("BLOCKMAIL_RPC_ENDPOINT", *rpcEndpoint)
	}
	if *metricsAddr != "" {
		_ = os.Setenv("BLOCKMAIL_METRICS_ADDR", *metricsAddr)
	}
	signingKey := *keyHex
	if signingKey == "" {
		signingKey = os.Getenv("BLOCKMAIL_SIGNING_KEY")
	}

	svc, err := daemonapp.NewService(daemonapp.Options{
		ConfigPath: *configPath,
		DataDir:    *dataDir,
		Identity:   *identity,
		SigningKey: signingKey,
	})
	if err != nil {
		log.Fatalf("blockmail-daemon failed to initialize: %v", err)
	}

	log.Println("blockmail-daemon starting")
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("blockmail-daemon failed: %v", err)
	}
	log.Println("blockmail-daemon stopped")
}
