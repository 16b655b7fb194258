// Command reconcile recomputes every balance from the ledger entries in
// PostgreSQL and exits non-zero when anything diverges.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"mealledger.org/internal/config"
	"mealledger.org/internal/ledger"
	"mealledger.org/internal/obs"
	"mealledger.org/internal/store/pg"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "dotenv file to load before reading the environment")
		timeout = flag.Duration("timeout", 5*time.Minute, "overall timeout")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PGDSN == "" {
		log.Fatal("missing DSN: set MEAL_PG_DSN")
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	obs.SetLogger(logger)

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	rep, err := ledger.NewService(store, store.Catalog(), ledger.WithLogger(logger)).Reconcile(ctx)
	cancel()
	_ = store.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)

	switch {
	case errors.Is(err, ledger.ErrReconciliationMismatch):
		logger.Error("reconciliation mismatch", zap.Int("mismatches", len(rep.Mismatches)))
		_ = logger.Sync()
		os.Exit(2)
	case err != nil:
		logger.Error("reconciliation failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("reconciliation ok",
		zap.Int("wallets", rep.Wallets),
		zap.Int("accounts", rep.Accounts),
		zap.Int("orders", rep.Orders),
		zap.Int("entries", rep.Entries),
	)
	_ = logger.Sync()
}
