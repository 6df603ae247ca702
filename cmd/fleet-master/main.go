package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dd0wney/cluso-fleet/pkg/identity"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/master"
	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

func main() {
	configPath := flag.String("config", "./master.yaml", "Config file path")
	keyPath := flag.String("key", "./data/master.key", "Master signing key path (created on first run)")
	listenAddr := flag.String("listen", "", "Worker listener address (overrides config)")
	metricsAddr := flag.String("metrics", "", "Metrics listener address (overrides config)")
	flag.Parse()

	fmt.Printf("🚀 Cluso Fleet - Orchestrator\n")
	fmt.Printf("=============================\n\n")

	cfg, err := master.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	keys, err := loadOrCreateKeys(*keyPath)
	if err != nil {
		log.Fatalf("Failed to load master key: %v", err)
	}
	fmt.Printf("🔑 Master key: %s\n", identity.EncodeKey(keys.Public))

	store := registry.NewStore(cfg.RegistryPath)
	if err := store.Load(); err != nil {
		log.Fatalf("Failed to load registry: %v", err)
	}
	fmt.Printf("📒 Registry: %s (%d known workers)\n", cfg.RegistryPath, store.Len())

	if cfg.S3Bucket != "" {
		backup, err := registry.NewS3Backup(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("Failed to initialize S3 backup: %v", err)
		}
		store.SetBackup(backup)
		fmt.Printf("☁️  Registry backups: s3://%s/%s\n", cfg.S3Bucket, cfg.S3Prefix)
	}

	watcher := master.NewConfigWatcher(*configPath, cfg, logger)

	m, err := master.New(watcher, keys, store, logger)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	fmt.Printf("🌐 Listening: %s (metrics %s)\n", cfg.ListenAddr, cfg.MetricsAddr)
	fmt.Printf("🎯 Goal: %d partitions, %s heartbeats every %s\n\n",
		cfg.GoalPartitions, cfg.HeartbeatStyle, cfg.HeartbeatInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		log.Fatalf("Orchestrator failed: %v", err)
	}
	fmt.Printf("\n👋 Shutting down...\n")
}

// loadOrCreateKeys reads the master keypair, generating one on first run.
func loadOrCreateKeys(path string) (*identity.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := identity.DecodePrivateKey(string(data))
		if err != nil {
			return nil, err
		}
		return &identity.KeyPair{
			Public:  priv.Public().(ed25519.PublicKey),
			Private: priv,
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	keys, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(identity.EncodeKey(keys.Private)), 0o600); err != nil {
		return nil, err
	}
	fmt.Printf("🆕 Generated new master key at %s\n", path)
	return keys, nil
}
