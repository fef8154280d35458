package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radieske/coin-settlement/internal/deposit"
	"github.com/radieske/coin-settlement/internal/events/producer"
	"github.com/radieske/coin-settlement/internal/ledger"
	"github.com/radieske/coin-settlement/internal/provider/faucetpay"
	"github.com/radieske/coin-settlement/internal/settlement"
	"github.com/radieske/coin-settlement/internal/shared/clock"
	"github.com/radieske/coin-settlement/internal/shared/config"
	"github.com/radieske/coin-settlement/internal/shared/db"
	"github.com/radieske/coin-settlement/internal/shared/kafka"
	"github.com/radieske/coin-settlement/internal/shared/logger"
	"github.com/radieske/coin-settlement/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	log, err := logger.New("reconciliation-worker", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// O worker só faz sentido sobre o ledger compartilhado em Postgres
	pg, err := db.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("pg connect", zap.Error(err))
	}
	defer pg.Close()
	store := ledger.NewPostgres(pg)

	var wpub settlement.Publisher
	var dpub deposit.Publisher
	if cfg.KafkaBrokers != "" {
		kp := producer.NewKafkaPublisher(
			kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicWithdrawals),
			kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicDeposits),
		)
		defer kp.Close()
		wpub, dpub = kp, kp
	}

	pc := faucetpay.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.Currency, cfg.ProviderTimeout, m)

	// Sem limiter: este processo nunca inicia saques, só reconcilia os presos
	withdrawals := settlement.New(settlement.Config{
		Currency:        cfg.Currency,
		ProviderTimeout: cfg.ProviderTimeout,
		StoreTimeout:    cfg.StoreTimeout,
		ReconcileAfter:  cfg.ReconcileAfter,
		EscalateAfter:   cfg.EscalateAfter,
		PayoutScanCount: cfg.PayoutScanCount,
	}, store, pc, nil, wpub, clock.RealClock{}, log, m)

	deposits := deposit.New(deposit.Config{
		Currency:        cfg.Currency,
		Recipient:       cfg.DepositRecipient,
		TTL:             cfg.DepositTTL,
		Tolerance:       cfg.DepositTolerance,
		MinDeposit:      cfg.MinDeposit,
		PayoutScanCount: cfg.PayoutScanCount,
		StoreTimeout:    cfg.StoreTimeout,
		ProviderTimeout: cfg.ProviderTimeout,
	}, store, pc, dpub, clock.RealClock{}, log, m)

	// Servidor HTTP para métricas Prometheus e healthcheck
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, func(ctx context.Context) error {
		return pg.PingContext(ctx)
	}, func(err error) { log.Error("metrics srv", zap.Error(err)) })
	log.Info("metrics/health", zap.String("addr", metricsSrv.Addr))

	log.Info("reconciliation-worker started",
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("reconcile_after", cfg.ReconcileAfter),
		zap.Duration("escalate_after", cfg.EscalateAfter),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Caminho pull dos depósitos + varredura de expiração
	g.Go(func() error {
		runEvery(gctx, log, "deposits", cfg.PollInterval, func(ctx context.Context) error {
			if _, err := deposits.ExpireStale(ctx); err != nil {
				return err
			}
			_, err := deposits.Poll(ctx)
			return err
		})
		return nil
	})

	// Saques presos em pending
	g.Go(func() error {
		runEvery(gctx, log, "withdrawals", cfg.PollInterval, func(ctx context.Context) error {
			_, err := withdrawals.ReconcilePending(ctx)
			return err
		})
		return nil
	})

	_ = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("reconciliation-worker stopped")
}

// runEvery executa fn imediatamente e depois a cada intervalo, até o contexto acabar.
// Uma passada com erro só é logada; a próxima tenta de novo.
func runEvery(ctx context.Context, log *zap.Logger, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		started := time.Now()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Warn("reconciliation pass failed", zap.String("loop", name), zap.Error(err))
		} else {
			log.Debug("reconciliation pass done", zap.String("loop", name), zap.Duration("took", time.Since(started)))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
