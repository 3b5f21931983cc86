package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/choiyounggi/linkly-calendar/internal/authz"
	"github.com/choiyounggi/linkly-calendar/internal/chat"
	"github.com/choiyounggi/linkly-calendar/internal/config"
	"github.com/choiyounggi/linkly-calendar/internal/envelope"
	"github.com/choiyounggi/linkly-calendar/internal/fanout"
	"github.com/choiyounggi/linkly-calendar/internal/gateway"
	"github.com/choiyounggi/linkly-calendar/internal/observability/logging"
	"github.com/choiyounggi/linkly-calendar/internal/observability/metrics"
	"github.com/choiyounggi/linkly-calendar/internal/store"
	httptransport "github.com/choiyounggi/linkly-calendar/internal/transport/http"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "chat",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Role:        cfg.Role,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("chat")

	if err := run(cfg, logger); err != nil {
		logger.Error("chat service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bad key material must stop the process before it accepts traffic.
	ring, err := envelope.ParseKeyRing(cfg.EncryptionKeys, cfg.EncryptionLegacyKey, cfg.EncryptionKeyVersion)
	if err != nil {
		return err
	}
	logger.Info("encryption keys loaded", "active_version", ring.ActiveVersion(), "versions", ring.Versions())

	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	st := store.New(db)
	if err := st.AutoMigrate(ctx); err != nil {
		return err
	}

	var rdb redis.UniversalClient
	if cfg.FanoutQueue == "redis" || cfg.FanoutBus == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
	}

	queue, err := newQueue(ctx, cfg, db, rdb, logger)
	if err != nil {
		return err
	}
	bus, err := newBus(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	svc := chat.New(envelope.NewCodec(ring), st, queue, logger)

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background loop failed", "loop", name, "error", err)
				stop()
			}
		}()
	}

	spawn("bus", bus.Run)
	if cfg.RunsWorker() {
		spawn("worker", fanout.NewWorker(queue, bus, logger).Run)
	}

	deps := httptransport.Deps{
		Chat:        svc,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
		Ready:       st.Ping,
		Logger:      logger,
	}

	verifier, closeVerifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}
	defer closeVerifier()
	deps.Verifier = verifier

	var gw *gateway.Gateway
	if cfg.RunsGateway() {
		gw = gateway.New(svc, bus, gateway.Options{
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			SendBuffer:        cfg.SendBuffer,
			AllowedOrigins:    cfg.CORSOrigins,
			Verifier:          verifier,
		}, logger)
		deps.Gateway = gw
		spawn("heartbeat", gw.Run)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httptransport.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("chat service listening",
			"addr", cfg.Addr,
			"queue", cfg.FanoutQueue,
			"bus", cfg.FanoutBus,
			"heartbeat_interval", cfg.HeartbeatInterval,
			"heartbeat_timeout", cfg.HeartbeatTimeout,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
		stop()
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Sockets first so every client sees server-shutdown, then the listener.
	if gw != nil {
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown incomplete", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	wg.Wait()
	return nil
}

func newQueue(ctx context.Context, cfg config.Config, db *gorm.DB, rdb redis.UniversalClient, logger *slog.Logger) (fanout.Queue, error) {
	switch cfg.FanoutQueue {
	case "redis":
		return fanout.NewRedisQueue(rdb, fanout.RedisQueueOptions{
			Visibility:  cfg.FanoutVisibility,
			MaxAttempts: cfg.FanoutMaxAttempts,
		}, logger), nil
	case "sql", "":
		q := fanout.NewSQLQueue(db, fanout.SQLQueueOptions{
			Visibility:   cfg.FanoutVisibility,
			MaxAttempts:  cfg.FanoutMaxAttempts,
			PollInterval: cfg.FanoutPollInterval,
		}, logger)
		if err := q.AutoMigrate(ctx); err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, errors.New("unknown CHAT_FANOUT_QUEUE " + cfg.FanoutQueue)
	}
}

func newBus(ctx context.Context, cfg config.Config, rdb redis.UniversalClient, logger *slog.Logger) (fanout.Bus, error) {
	switch cfg.FanoutBus {
	case "redis":
		return fanout.NewRedisBus(rdb, logger), nil
	case "postgres":
		if cfg.DatabaseDriver != "postgres" {
			return nil, errors.New("CHAT_FANOUT_BUS=postgres needs CHAT_DATABASE_DRIVER=postgres")
		}
		return fanout.NewPGBus(ctx, cfg.DatabaseURL, logger)
	case "memory":
		if cfg.Role != config.RoleAll {
			logger.Warn("memory bus only reaches gateways in this process", "role", cfg.Role)
		}
		return fanout.NewMemoryBus(), nil
	default:
		return nil, errors.New("unknown CHAT_FANOUT_BUS " + cfg.FanoutBus)
	}
}

func newVerifier(cfg config.Config) (authz.Verifier, func(), error) {
	switch {
	case cfg.HandshakeSecret != "":
		slog.Info("using HS256 shared-secret handshake validation")
		return authz.NewHMACValidator(cfg.HandshakeSecret, cfg.HandshakeIssuer), func() {}, nil
	case cfg.HandshakeJWKSURL != "":
		slog.Info("using JWKS handshake validation", "jwks_url", cfg.HandshakeJWKSURL)
		v, err := authz.NewJWKSValidator(cfg.HandshakeJWKSURL, cfg.HandshakeIssuer)
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	default:
		return nil, func() {}, nil
	}
}
