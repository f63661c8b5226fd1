// Package app assembles the stores and services the Convo binaries share,
// so each main only wires its own surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/config"
	"github.com/convo/chat-app/internal/db"
	"github.com/convo/chat-app/internal/history"
	"github.com/convo/chat-app/internal/matching"
	"github.com/convo/chat-app/internal/memstore"
	"github.com/convo/chat-app/internal/messaging"
	"github.com/convo/chat-app/internal/metrics"
	"github.com/convo/chat-app/internal/profile"
	"github.com/convo/chat-app/internal/ratelimit"
	"github.com/convo/chat-app/internal/topic"
)

// ProfileStore is what every surface needs from profile persistence.
// *profile.Store and *memstore.Profiles satisfy it.
type ProfileStore interface {
	matching.ProfileStore
	Create(ctx context.Context, id string) error
	SaveInterests(ctx context.Context, id string, interests []string) error
	SetOnline(ctx context.Context, id string, online bool) error
	WaitingCount(ctx context.Context) (int64, error)
}

// SessionStore is what every surface needs from session persistence.
// *chat.Store and *memstore.Sessions satisfy it.
type SessionStore interface {
	matching.SessionStore
	chat.SessionStore
	ActiveCount(ctx context.Context) (int64, error)
}

// Backend holds the opened stores.
type Backend struct {
	Profiles ProfileStore
	Sessions SessionStore
	Limiter  ratelimit.Allower
	Topics   *topic.Drawer  // nil without DATABASE_URL, unless in memory mode
	History  *history.Store // nil without DATABASE_URL
	Local    bool           // in-process stores; no other process can see them

	rdb    *redis.Client
	sqlDB  *sql.DB
	logger *zap.Logger
}

// Open connects the configured backend, plus Postgres when DATABASE_URL is
// set, and applies pending migrations.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Backend, error) {
	b := &Backend{logger: logger}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		store := memstore.New()
		b.Profiles = store.Profiles()
		b.Sessions = store.Sessions()
		b.Limiter = ratelimit.NewMemory()
		b.Local = true
		// Replaced by the Postgres store below when DATABASE_URL is set.
		b.Topics = topic.NewDrawer(topic.NewMemStore(topic.DefaultStarters()), logger)
	default:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return nil, fmt.Errorf("app: redis %s: %w", cfg.RedisAddr, err)
		}
		b.rdb = rdb
		b.Profiles = profile.NewStore(rdb)
		b.Sessions = chat.NewStore(rdb)
		b.Limiter = ratelimit.NewLimiter(rdb, logger)
	}

	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.sqlDB = sqlDB
		if err := db.Migrate(sqlDB); err != nil {
			b.Close()
			return nil, err
		}
		b.Topics = topic.NewDrawer(topic.NewPGStore(sqlDB), logger)
		b.History = history.NewStore(sqlDB)
	}

	logger.Info("backend ready",
		zap.String("store", cfg.StoreBackend),
		zap.Bool("postgres", b.sqlDB != nil),
	)
	return b, nil
}

// Lifecycle builds the session lifecycle on top of the backend. bc may be nil.
func (b *Backend) Lifecycle(bc chat.Broadcaster) *chat.Lifecycle {
	var arch chat.Archiver
	if b.History != nil {
		arch = b.History
	}
	life := chat.NewLifecycle(b.Sessions, bc, arch, b.logger)
	if b.Topics != nil {
		life.SetTopics(b.Topics)
	}
	return life
}

// Matcher builds a matcher that ends sessions through life.
func (b *Backend) Matcher(cfg config.Config, life *chat.Lifecycle, n matching.Notifier) (*matching.Matcher, error) {
	policy, err := matching.PolicyByName(cfg.MatchPolicy)
	if err != nil {
		return nil, err
	}
	m := matching.NewMatcher(b.Profiles, b.Sessions, life, n, matching.MatcherConfig{
		Policy:           policy,
		MaxClaimAttempts: cfg.MaxClaimAttempts,
	}, b.logger)
	if b.Topics != nil {
		m.SetTopics(b.Topics)
	}
	return m, nil
}

// Sweeper builds the sweep loop.
func (b *Backend) Sweeper(cfg config.Config, life *chat.Lifecycle, n matching.Notifier) *matching.Sweeper {
	return matching.NewSweeper(b.Profiles, b.Sessions, life, n, cfg.SweepInterval, cfg.StaleSearchAfter, b.logger)
}

// Close releases every connection Open made.
func (b *Backend) Close() {
	if b.sqlDB != nil {
		_ = b.sqlDB.Close()
	}
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
}

// ConnectNATS dials NATS with the process name as client name.
func ConnectNATS(cfg config.Config, name string, logger *zap.Logger) (*messaging.NATSClient, error) {
	nc := messaging.DefaultNATSConfig()
	nc.URL = cfg.NATSURL
	nc.Name = name
	return messaging.NewNATSClient(nc, logger)
}

// ServeMetrics exposes /metrics on addr in the background. An empty addr
// disables it.
func ServeMetrics(addr string, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}

// WaitForSignal blocks until SIGINT or SIGTERM.
func WaitForSignal(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
}
