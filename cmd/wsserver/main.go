//go:build linux

// Command wsserver is the WebSocket gateway: it authenticates clients,
// relays their frames to the matching and chat backends, and pushes match
// and chat events back to them.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/app"
	"github.com/convo/chat-app/internal/auth"
	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/config"
	"github.com/convo/chat-app/internal/gateway"
	"github.com/convo/chat-app/internal/logging"
	"github.com/convo/chat-app/internal/matching"
	"github.com/convo/chat-app/internal/ws"
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

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.WSAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections

	backend, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to open backend", zap.Error(err))
	}
	defer backend.Close()

	natsClient, err := app.ConnectNATS(cfg, "convo-ws", logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	life := backend.Lifecycle(chat.NewNATSBroadcaster(natsClient))

	// In-process stores are invisible to a matcher service, so the gateway
	// matches locally and runs its own sweep.
	var mm gateway.Matchmaker = matching.NewClient(natsClient)
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	if backend.Local {
		notifier := matching.NewNATSNotifier(natsClient)
		matcher, err := backend.Matcher(cfg, life, notifier)
		if err != nil {
			logger.Fatal("invalid match policy", zap.Error(err))
		}
		mm = matching.NewLocal(matcher, matching.NewEstimator(backend.Profiles))
		go backend.Sweeper(cfg, life, notifier).Run(bgCtx)
	}

	gw := gateway.New(backend.Profiles, mm, life, natsClient, backend.Limiter, logger)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	server := ws.NewServer(serverConfig, verifier, backend.Limiter, func(c *ws.Connection, data []byte) {
		gw.Dispatch(c, data)
	}, logger)
	server.SetOnConnect(func(c *ws.Connection) error {
		return gw.Connect(c)
	})
	server.SetOnDisconnect(func(c *ws.Connection) {
		gw.Disconnect(c.UserID)
	})
	gw.SetSender(server)
	if err := gw.WatchPool(bgCtx, gateway.DefaultPoolDebounce); err != nil {
		logger.Fatal("failed to watch pool changes", zap.Error(err))
	}

	metricsSrv := app.ServeMetrics(cfg.MetricsAddr, logger)

	logger.Info("starting websocket gateway",
		zap.String("listen_addr", serverConfig.ListenAddr),
		zap.String("store", cfg.StoreBackend),
		zap.String("nats_url", cfg.NATSURL),
	)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		app.WaitForSignal(logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
	}()

	if err := server.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	<-stopped
}
