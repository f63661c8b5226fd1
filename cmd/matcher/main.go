// Command matcher serves match requests over NATS and runs the sweep loop
// that stops stale searches and ends expired sessions.
package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/app"
	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/config"
	"github.com/convo/chat-app/internal/logging"
	"github.com/convo/chat-app/internal/matching"
)

func main() {
	cfg, err := config.Load()
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.StoreBackend == config.BackendMemory {
		logger.Fatal("the matcher service needs the shared redis backend")
	}

	logger.Info("starting matching service",
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("policy", cfg.MatchPolicy),
	)

	backend, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to open backend", zap.Error(err))
	}
	defer backend.Close()

	natsClient, err := app.ConnectNATS(cfg, "convo-matcher", logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	notifier := matching.NewNATSNotifier(natsClient)
	life := backend.Lifecycle(chat.NewNATSBroadcaster(natsClient))
	matcher, err := backend.Matcher(cfg, life, notifier)
	if err != nil {
		logger.Fatal("invalid match policy", zap.Error(err))
	}
	sweeper := backend.Sweeper(cfg, life, notifier)

	svc := matching.NewService(natsClient, matcher, matching.NewEstimator(backend.Profiles), sweeper, logger)
	if err := svc.Start(); err != nil {
		logger.Fatal("failed to start matching service", zap.Error(err))
	}

	metricsSrv := app.ServeMetrics(cfg.MetricsAddr, logger)

	app.WaitForSignal(logger)

	svc.Stop()
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
}
