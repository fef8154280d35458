package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radieske/coin-settlement/internal/deposit"
	"github.com/radieske/coin-settlement/internal/events/producer"
	"github.com/radieske/coin-settlement/internal/identity"
	"github.com/radieske/coin-settlement/internal/ledger"
	"github.com/radieske/coin-settlement/internal/provider/faucetpay"
	"github.com/radieske/coin-settlement/internal/ratelimit"
	"github.com/radieske/coin-settlement/internal/settlement"
	shttp "github.com/radieske/coin-settlement/internal/settlement-service/http"
	"github.com/radieske/coin-settlement/internal/shared/cache"
	"github.com/radieske/coin-settlement/internal/shared/clock"
	"github.com/radieske/coin-settlement/internal/shared/config"
	"github.com/radieske/coin-settlement/internal/shared/db"
	"github.com/radieske/coin-settlement/internal/shared/kafka"
	"github.com/radieske/coin-settlement/internal/shared/logger"
	"github.com/radieske/coin-settlement/internal/shared/metrics"
)

// ledgerStore junta o que saques e depósitos precisam do ledger
type ledgerStore interface {
	settlement.Store
	deposit.Store
}

func main() {
	cfg := config.Load()

	// Inicializa logger estruturado
	log, err := logger.New("settlement-service", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("starting service", zap.String("service", "settlement-service"), zap.String("env", cfg.Env))

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	if cfg.CallbackSecret == "" {
		log.Warn("CALLBACK_SECRET is empty, deposit callbacks are refused and only the poll path credits deposits")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Postgres: ledger e/ou janelas de rate limit
	var pg *sql.DB
	if cfg.LedgerBackend == "postgres" || cfg.RateLimitBackend == "postgres" {
		pg, err = db.ConnectPostgres(cfg.PostgresDSN)
		if err != nil {
			log.Fatal("postgres connect", zap.Error(err))
		}
		defer pg.Close()
	}

	var store ledgerStore
	switch cfg.LedgerBackend {
	case "memory":
		log.Warn("using in-memory ledger, balances are lost on restart")
		store = ledger.NewMemory()
	case "postgres":
		store = ledger.NewPostgres(pg)
	}

	// Redis: contadores de rate limit
	var rdb *redis.Client
	var windows ratelimit.Store
	switch cfg.RateLimitBackend {
	case "postgres":
		windows = ratelimit.NewPostgresStore(pg)
	case "redis":
		rdb, err = cache.ConnectRedis(cfg.RedisAddr)
		if err != nil {
			log.Fatal("redis connect", zap.Error(err))
		}
		defer rdb.Close()
		windows = ratelimit.NewRedisStore(rdb)
	}
	limiter := ratelimit.New(windows, clock.RealClock{}, log, m)

	// Kafka: eventos de liquidação (opcional)
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

	withdrawals := settlement.New(settlement.Config{
		Currency:      cfg.Currency,
		MinWithdrawal: cfg.MinWithdrawal,
		DailyLimit:    cfg.DailyWithdrawalLimit,
		WithdrawRule: ratelimit.Rule{
			Endpoint:    "withdraw",
			MaxRequests: cfg.WithdrawRateLimit,
			Window:      cfg.WithdrawRateWindow,
		},
		ProviderTimeout: cfg.ProviderTimeout,
		StoreTimeout:    cfg.StoreTimeout,
		ReconcileAfter:  cfg.ReconcileAfter,
		EscalateAfter:   cfg.EscalateAfter,
		PayoutScanCount: cfg.PayoutScanCount,
	}, store, pc, limiter, wpub, clock.RealClock{}, log, m)

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

	api := shttp.NewServer(log, withdrawals, deposits, identity.NewResolver(cfg.JWTSecret), limiter, clock.RealClock{}, shttp.Options{
		GeneralRule: ratelimit.Rule{
			Endpoint:    "general",
			MaxRequests: cfg.GeneralRateLimit,
			Window:      cfg.GeneralRateWindow,
		},
		OperatorToken:     cfg.OperatorToken,
		CallbackSecret:    cfg.CallbackSecret,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	// Servidor de métricas e health check
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, func(ctx context.Context) error {
		if pg != nil {
			if err := pg.PingContext(ctx); err != nil {
				return err
			}
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	}, func(err error) { log.Error("metrics srv", zap.Error(err)) })
	log.Info("metrics/health listening", zap.String("addr", metricsSrv.Addr))

	// Servidor HTTP público
	apiSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// payouts em andamento terminam no contexto próprio; aqui só paramos de aceitar requisições
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ProviderTimeout+5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return apiSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("settlement-service stopped", zap.Error(err))
		return
	}
	log.Info("settlement-service stopped")
}
