package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	simulator "github.com/radieske/coin-settlement/internal/provider-simulator"
	"github.com/radieske/coin-settlement/internal/provider"
	"github.com/radieske/coin-settlement/internal/shared/config"
	"github.com/radieske/coin-settlement/internal/shared/logger"
	"github.com/radieske/coin-settlement/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	log, err := logger.New("provider-simulator", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	starting, err := provider.ToMinor(cfg.SimulatorStartingBalance)
	if err != nil {
		log.Fatal("invalid SIMULATOR_STARTING_BALANCE", zap.Error(err))
	}

	sim := simulator.New(log, simulator.Config{
		APIKey:          cfg.ProviderAPIKey,
		Recipient:       cfg.DepositRecipient,
		CallbackURL:     cfg.CallbackURL,
		CallbackSecret:  cfg.CallbackSecret,
		SuccessRatio:    cfg.SimulatorSuccessRatio,
		StartingBalance: starting,
	}, prometheus.DefaultRegisterer)

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, nil, func(err error) { log.Error("metrics srv", zap.Error(err)) })

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           sim.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("provider simulator listening",
		zap.String("addr", srv.Addr),
		zap.Int("success_ratio", cfg.SimulatorSuccessRatio),
		zap.String("callback_url", cfg.CallbackURL),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("simulator srv", zap.Error(err))
	}
}
