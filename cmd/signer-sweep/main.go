// Command signer-sweep is a one-shot maintenance pass over signatures and
// receipts: it re-signs pending signature records left behind by a provider
// outage, expires overdue receipt confirmations, and prunes expired reports.
// The server runs the same pass on a ticker; this binary exists for catch-up
// after an incident and for cron-driven deployments that run the API
// read-only.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	auditpg "custos/internal/audit/store/postgres"
	"custos/internal/platform/config"
	"custos/internal/platform/logger"
	"custos/internal/platform/postgres"
	"custos/internal/receipt"
	recpg "custos/internal/receipt/store/postgres"
	"custos/internal/reduction"
	redpg "custos/internal/reduction/store/postgres"
	"custos/internal/signature"
	"custos/internal/signature/keyprovider"
	sigpg "custos/internal/signature/store/postgres"
)

const batchSize = 500

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Store)
	if err != nil {
		log.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	provider, err := keyprovider.NewLocalFile(cfg.Signer.KeyFile)
	if err != nil {
		log.Error("key provider init failed", "error", err)
		os.Exit(1)
	}

	eventStore := auditpg.New(db)
	signer := signature.New(sigpg.New(db), eventStore, provider,
		signature.WithLogger(log),
		signature.WithTimeout(cfg.Signer.SignTimeout),
		signature.WithSignatureTTL(cfg.Signer.SignatureTTL),
	)
	tracker := receipt.New(recpg.New(db), receipt.WithLogger(log))
	engine := reduction.New(eventStore, redpg.New(db), nil, reduction.WithLogger(log))

	failed := false

	signed, err := signer.SweepPending(ctx, batchSize)
	if err != nil {
		log.ErrorContext(ctx, "signature sweep failed", "signed", signed, "error", err)
		failed = true
	} else {
		log.InfoContext(ctx, "signature sweep complete", "signed", signed)
	}

	expired, err := tracker.ExpireOverdue(ctx, batchSize)
	if err != nil {
		log.ErrorContext(ctx, "receipt expiry failed", "expired", expired, "error", err)
		failed = true
	} else {
		log.InfoContext(ctx, "receipt expiry complete", "expired", expired)
	}

	pruned, err := engine.PruneExpiredReports(ctx)
	if err != nil {
		log.ErrorContext(ctx, "report pruning failed", "pruned", pruned, "error", err)
		failed = true
	} else {
		log.InfoContext(ctx, "report pruning complete", "pruned", pruned)
	}

	if failed {
		os.Exit(1)
	}
}
