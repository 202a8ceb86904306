package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/cache"
	"github.com/brandon/mailbar/internal/config"
	"github.com/brandon/mailbar/internal/credential"
	"github.com/brandon/mailbar/internal/email"
	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/internal/mcp"
	"github.com/brandon/mailbar/internal/tools"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	configPath  = flag.String("config", os.Getenv("MAILBAR_CONFIG"), "Path to a TOML configuration file")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailbar version %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// stdout carries JSON-RPC responses
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	log := logging.For(logger, logging.ComponentMain)
	log.WithFields(logrus.Fields{
		"version":  version,
		"accounts": len(cfg.Accounts),
	}).Info("Starting mailbar")

	db, err := cache.OpenDatabase(cfg.CachePath, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize cache")
	}
	defer db.Close()
	store := cache.NewStore(db, logger)

	manager, err := email.NewManager(cfg, credentials(cfg, log), store, email.NewLogNotifier(logger), logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to create email manager")
	}
	defer manager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Restore(ctx); err != nil {
		log.WithError(err).Warn("Failed to restore cached folders")
	}
	go manager.Run(ctx)

	server := mcp.NewServer(tools.NewRegistry(cfg, manager, store, logger), version, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-errChan:
		if err != nil {
			log.WithError(err).Error("Server error")
		}
	}
	cancel()

	pooled, cached := manager.Stats()
	log.WithFields(logrus.Fields{
		"pooled":   pooled.Pooled,
		"in_use":   pooled.InUse,
		"messages": cached,
	}).Info("Shutting down mailbar")
}

// credentials layers passwords given in the environment over the keyring.
// Without a usable keyring only the environment is consulted.
func credentials(cfg *config.Config, log *logrus.Entry) credential.Store {
	env := make(map[string]string)
	for _, acc := range cfg.Accounts {
		if acc.Password != "" {
			env[credential.AccountKey(acc.Name)] = acc.Password
		}
	}
	chain := credential.Chain{credential.NewMemoryStore(env)}

	ring, err := credential.OpenKeyring(credential.KeyringConfig{
		Backends:     cfg.Keyring.Backends,
		FileDir:      cfg.Keyring.FileDir,
		FilePassword: cfg.Keyring.FilePassword,
	})
	if err != nil {
		if len(env) < len(cfg.Accounts) {
			log.WithError(err).Warn("Keyring unavailable, accounts without a password in the environment cannot connect")
		}
		return chain
	}
	return append(chain, ring)
}
