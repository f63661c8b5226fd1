// Command api serves the Convo REST API: profiles, match requests, session
// transcripts and topic starters.
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/api"
	"github.com/convo/chat-app/internal/app"
	"github.com/convo/chat-app/internal/auth"
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
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	backend, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to open backend", zap.Error(err))
	}
	defer backend.Close()

	natsClient, err := app.ConnectNATS(cfg, "convo-api", logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	life := backend.Lifecycle(chat.NewNATSBroadcaster(natsClient))

	var mm api.Matchmaker = matching.NewClient(natsClient)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if backend.Local {
		notifier := matching.NewNATSNotifier(natsClient)
		matcher, err := backend.Matcher(cfg, life, notifier)
		if err != nil {
			logger.Fatal("invalid match policy", zap.Error(err))
		}
		mm = matching.NewLocal(matcher, matching.NewEstimator(backend.Profiles))
		go backend.Sweeper(cfg, life, notifier).Run(sweepCtx)
	}

	var archive api.Archive
	if backend.History != nil {
		archive = backend.History
	}

	h := api.NewHandler(backend.Profiles, mm, life, archive, backend.Limiter, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	metricsSrv := app.ServeMetrics(cfg.MetricsAddr, logger)

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	app.WaitForSignal(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
}
