// Command pigeond is Pigeon's daemon entry point: a thin wrapper that
// loads configuration, unlocks the at-rest vault, loads or generates
// the local identity, opens the store-backed collaborators, and runs
// the send worker and receive handler until a termination signal
// arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CalebFields/Pigeon/internal/config"
	"github.com/CalebFields/Pigeon/internal/contacts"
	"github.com/CalebFields/Pigeon/internal/identity"
	"github.com/CalebFields/Pigeon/internal/logx"
	"github.com/CalebFields/Pigeon/internal/nonce"
	"github.com/CalebFields/Pigeon/internal/queue"
	"github.com/CalebFields/Pigeon/internal/receive"
	"github.com/CalebFields/Pigeon/internal/sendworker"
	"github.com/CalebFields/Pigeon/internal/store"
	"github.com/CalebFields/Pigeon/internal/transport"
	"github.com/CalebFields/Pigeon/internal/vault"
)

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(exitSetupFailed)
	}

	logger := logx.New(logx.ParseLevel(cfg.LogLevel), fmt.Sprintf("(%s) ", cfg.ListenAddr))
	logger.Info("starting pigeond")

	v, err := vault.Unlock(cfg.DataDir, cfg.Passphrase)
	if err != nil {
		logger.Errorf("unlocking at-rest vault: %v", err)
		os.Exit(exitSetupFailed)
	}

	id, err := identity.LoadOrGenerate(cfg.DataDir, v.Sealer())
	if err != nil {
		logger.Errorf("loading identity: %v", err)
		os.Exit(exitSetupFailed)
	}
	logger.Infof("identity loaded: id=%d", id.ID())

	contactsDir := filepath.Join(cfg.DataDir, "contacts_db")
	if err := os.MkdirAll(contactsDir, 0o700); err != nil {
		logger.Errorf("creating contacts store directory: %v", err)
		os.Exit(exitSetupFailed)
	}
	contactsStore, err := store.Open(filepath.Join(contactsDir, "contacts.db"), contacts.Bucket)
	if err != nil {
		logger.Errorf("opening contacts store: %v", err)
		os.Exit(exitSetupFailed)
	}
	defer contactsStore.Close()
	contactDir := contacts.New(contactsStore, v.Sealer())

	queueBuckets := append(append([]string{}, queue.Buckets...), nonce.Bucket)
	queueDir := filepath.Join(cfg.DataDir, "queue_db")
	if err := os.MkdirAll(queueDir, 0o700); err != nil {
		logger.Errorf("creating queue store directory: %v", err)
		os.Exit(exitSetupFailed)
	}
	queueStore, err := store.Open(filepath.Join(queueDir, "queue.db"), queueBuckets...)
	if err != nil {
		logger.Errorf("opening queue store: %v", err)
		os.Exit(exitSetupFailed)
	}
	defer queueStore.Close()

	now := func() int64 { return time.Now().Unix() }

	q, err := queue.Open(queueStore, v.Sealer(), now)
	if err != nil {
		logger.Errorf("opening queue: %v", err)
		os.Exit(exitSetupFailed)
	}
	nonces := nonce.New(queueStore, now)

	tr := transport.New()

	worker := sendworker.New(sendworker.DefaultConfig(), q, contactDir, tr, logger)
	worker.Start()

	handler := receive.New(id, contactDir, nonces, q, logger)

	ctx, cancel := context.WithCancel(context.Background())
	serveErrs := make(chan error, 1)
	go func() {
		serveErrs <- tr.Serve(ctx, cfg.ListenAddr, handler.Handle)
	}()
	logger.Infof("receive handler listening on %s", cfg.ListenAddr)

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)

	select {
	case <-term:
		logger.Info("shutdown signal received")
	case err := <-serveErrs:
		if err != nil {
			logger.Errorf("receive handler stopped: %v", err)
		}
	}

	cancel()
	worker.Stop()
	logger.Info("shut down")
	os.Exit(exitSetupSuccess)
}
