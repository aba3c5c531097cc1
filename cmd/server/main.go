// Command server runs the audit trail service: the ingest gateway and query
// API over Postgres, the capacity monitor, the signature sweep, and the
// report/receipt maintenance workers, all behind one HTTP listener.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"custos/internal/alert"
	"custos/internal/audit/gateway"
	auditmirror "custos/internal/audit/mirror"
	auditpg "custos/internal/audit/store/postgres"
	"custos/internal/capacity"
	cappg "custos/internal/capacity/store/postgres"
	"custos/internal/platform/config"
	"custos/internal/platform/httpserver"
	"custos/internal/platform/kafka"
	"custos/internal/platform/logger"
	"custos/internal/platform/middleware"
	"custos/internal/platform/postgres"
	"custos/internal/platform/redis"
	"custos/internal/receipt"
	recpg "custos/internal/receipt/store/postgres"
	"custos/internal/reduction"
	redpg "custos/internal/reduction/store/postgres"
	"custos/internal/session"
	"custos/internal/signature"
	"custos/internal/signature/keyprovider"
	sigpg "custos/internal/signature/store/postgres"
	httptransport "custos/internal/transport/http"
)

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

	eventStore := auditpg.New(db)

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	var timeline session.Timeline = session.NewMemoryTimeline()
	if redisClient != nil {
		defer redisClient.Close()
		timeline = session.NewRedisTimeline(redisClient.Client, 0)
	}

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Error("kafka connection failed", "error", err)
		os.Exit(1)
	}
	var notifier alert.Notifier = alert.NewSlogNotifier(log)
	if producer != nil {
		defer producer.Close()
		notifier = alert.NewFanout(notifier, alert.NewKafkaNotifier(producer, cfg.Kafka.AlertTopic))
	}

	monitor := capacity.NewMonitor(cappg.New(db), eventStore, nil,
		notifier, log, capacity.NewMetrics(), capacity.Config{
			Interval:        cfg.Monitor.Interval,
			WarningPct:      cfg.Monitor.WarningPct,
			CriticalPct:     cfg.Monitor.CriticalPct,
			EscalateAfter:   cfg.Monitor.EscalateAfter,
			AlertRecipients: cfg.Monitor.AlertRecipients,
			FailoverTarget:  cfg.Monitor.FailoverTarget,
			CapacityBytes:   cfg.Monitor.CapacityBytesCap,
		})

	// TODO: swap the local key provider for the KMS-backed one once the key
	// management service is provisioned.
	provider, err := keyprovider.NewLocalFile(cfg.Signer.KeyFile)
	if err != nil {
		log.Error("key provider init failed", "error", err)
		os.Exit(1)
	}
	signer := signature.New(sigpg.New(db), eventStore, provider,
		signature.WithLogger(log),
		signature.WithMetrics(signature.NewMetrics()),
		signature.WithTimeout(cfg.Signer.SignTimeout),
		signature.WithSignatureTTL(cfg.Signer.SignatureTTL),
	)

	gatewayOpts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithMetrics(gateway.NewMetrics()),
		gateway.WithFailureReporter(monitor),
		gateway.WithSigner(signer),
		gateway.WithTimeout(cfg.Store.SubmitTimeout),
		gateway.WithMaxRetries(cfg.Store.MaxRetries),
	}
	if producer != nil {
		gatewayOpts = append(gatewayOpts,
			gateway.WithMirror(auditmirror.New(producer, cfg.Kafka.MirrorTopic, log)))
	}
	gw := gateway.New(eventStore, gatewayOpts...)
	monitor.AttachQueue(gw)

	engine := reduction.New(eventStore, redpg.New(db), reduction.DefaultDefinitions(),
		reduction.WithLogger(log),
		reduction.WithMetrics(reduction.NewMetrics()),
		reduction.WithBudget(cfg.Reduction.Budget),
		reduction.WithReportTTL(cfg.Reduction.ReportTTL),
		reduction.WithRetentionYears(cfg.Retention.Years),
		reduction.WithEvalInterval(cfg.Reduction.EvalInterval),
		reduction.WithEvalWindow(cfg.Reduction.DefaultWindow),
	)

	tracker := receipt.New(recpg.New(db),
		receipt.WithLogger(log),
		receipt.WithSubmitter(gw),
		receipt.WithReceiptSigner(signer),
	)

	bridge := session.New(timeline, gw, session.WithLogger(log))

	validator := middleware.NewHMACValidator(cfg.HTTP.JWTSigningKey)
	handler := httptransport.New(log, validator, gw, eventStore, bridge, monitor,
		signer, engine, tracker)
	srv := httpserver.New(cfg.HTTP.Addr, handler.Routes())

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return monitor.Run(ctx)
	})

	group.Go(func() error {
		return engine.Run(ctx)
	})

	// Maintenance loop: finish degraded signatures, expire overdue receipts,
	// drop dead reports, and drain the emergency buffer.
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Signer.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if n, err := signer.SweepPending(ctx, 100); err != nil {
					log.WarnContext(ctx, "signature sweep failed", "signed", n, "error", err)
				}
				if n, err := tracker.ExpireOverdue(ctx, 100); err != nil {
					log.WarnContext(ctx, "receipt expiry failed", "expired", n, "error", err)
				}
				if n, err := engine.PruneExpiredReports(ctx); err != nil {
					log.WarnContext(ctx, "report pruning failed", "pruned", n, "error", err)
				}
				if gw.BufferedCount() > 0 {
					if n, err := gw.FlushBuffered(ctx); err != nil {
						log.WarnContext(ctx, "buffer flush failed", "recovered", n, "error", err)
					} else if n > 0 {
						log.InfoContext(ctx, "emergency buffer drained", "recovered", n)
					}
				}
			}
		}
	})

	group.Go(func() error {
		log.Info("starting audit service", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("service terminated", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
