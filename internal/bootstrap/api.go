package bootstrap

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/application/auth"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/db/postgres"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/memory"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/messaging/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/redis"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/security"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/logger"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/metrics"
	http_handlers "github.com/baechuer/real-time-ressys/services/verify-service/internal/transport/http/handlers"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/transport/http/middleware"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/transport/http/router"
)

/*
========================
 Public entry (prod)
========================
*/

func NewServer() (*http.Server, func(), error) {
	return newServer(defaultDeps())
}

// NewServerWithDeps allows injecting dependencies for testing
func NewServerWithDeps(deps Deps) (*http.Server, func(), error) {
	return newServer(deps)
}

/*
========================
 Dependency injection
========================
*/

type Deps struct {
	LoadConfig func() (*config.Config, error)

	NewDB func(addr string, debug bool) (*sql.DB, error)

	NewRedis func(addr, password string, db int) *redis.Client

	NewBroker func(cfg rabbitmq.Config) Broker

	NewRouter func(router.Deps) (http.Handler, error)
}

// Broker is what the API needs from the queue client.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, task domain.VerificationTask) error
	Ready() error
	Close() error
}

// Store is an account store that also owns the outbox.
type Store interface {
	auth.AccountStore
	auth.OutboxStore
	Ping(ctx context.Context) error
}

/*
========================
 Core bootstrap logic
========================
*/

func newServer(deps Deps) (*http.Server, func(), error) {
	// 0) config
	cfg, err := deps.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	var cleanupFns []func()

	// 1) store
	store, closeStore, err := openStore(context.Background(), cfg, deps.NewDB)
	if err != nil {
		return nil, nil, err
	}
	cleanupFns = append(cleanupFns, closeStore)

	// 2) redis (best-effort)
	redisCli := connectRedis(cfg, deps.NewRedis)
	if redisCli != nil {
		cleanupFns = append(cleanupFns, func() { _ = redisCli.Close() })
	}

	// 3) broker; without it registrations cannot be delivered, so fail fast
	broker := deps.NewBroker(rabbitmq.Config{
		URL:            cfg.RabbitURL,
		Queue:          cfg.Queue,
		Prefetch:       cfg.Prefetch,
		ConsumerTag:    cfg.ConsumeTag,
		RetryDelay:     cfg.RetryDelay,
		PublishTimeout: cfg.PublishTimeout,
	})
	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = broker.Connect(connectCtx)
	cancel()
	if err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}
	cleanupFns = append(cleanupFns, func() { _ = broker.Close() })
	pub := &reconnectingPublisher{b: broker}

	// 4) security
	hasher := security.NewBcryptHasher(cfg.BcryptCost)
	signer := security.NewJWTSigner(cfg.JWTSecret, cfg.JWTIssuer)

	// 5) service
	authSvc := auth.NewService(
		store,
		store,
		hasher,
		signer,
		pub,
		auth.Config{SessionTTL: cfg.SessionTTL},
		logger.Logger,
	)
	authSvc = authSvc.WithAudit(func(action string, fields map[string]string) {
		evt := logger.Logger.Info().
			Bool("audit", true).
			Str("action", action)
		for k, v := range fields {
			evt = evt.Str(k, v)
		}
		evt.Msg("audit")
	})

	// 6) outbox relay
	relay := auth.NewOutboxRelay(store, pub, auth.RelayConfig{
		Interval: cfg.OutboxPoll,
		Limit:    cfg.OutboxBatchLimit,
	}, logger.Logger)
	relayCtx, stopRelay := context.WithCancel(context.Background())
	var relayWG sync.WaitGroup
	relayWG.Add(1)
	go func() {
		defer relayWG.Done()
		_ = relay.Run(relayCtx)
	}()
	// cleanup runs in reverse, so the relay stops before the broker and store close
	cleanupFns = append(cleanupFns, func() {
		stopRelay()
		relayWG.Wait()
	})

	// 7) handlers + rate limit
	authH := http_handlers.NewAuthHandler(authSvc)
	healthH := http_handlers.NewHealthHandler(
		http_handlers.Check{Name: "store", Fn: store.Ping},
		http_handlers.Check{Name: "broker", Fn: func(context.Context) error { return broker.Ready() }},
	)

	var limiter middleware.RateLimiter
	if redisCli != nil {
		limiter = redis.NewFixedWindowLimiter(redisCli)
	}

	// 8) router
	mux, err := deps.NewRouter(router.Deps{
		Health:          healthH,
		Auth:            authH,
		Limiter:         limiter,
		RegisterLimit:   cfg.RLRegister,
		RegisterWindow:  cfg.RLRegisterSpan,
		MetricsEndpoint: metrics.Handler(),
	})
	if err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}

	// 9) server
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	cleanup := func() {
		runCleanup(cleanupFns)
	}

	return srv, cleanup, nil
}

// openStore picks the account store. Postgres gets its schema applied on start.
func openStore(ctx context.Context, cfg *config.Config, newDB func(string, bool) (*sql.DB, error)) (Store, func(), error) {
	if cfg.Store == "memory" {
		logger.Logger.Warn().Msg("using in-memory account store; data is lost on restart")
		return memory.NewAccountRepo(), func() {}, nil
	}

	db, err := newDB(cfg.DBAddr, cfg.DBDebug)
	if err != nil {
		return nil, nil, domain.ErrDBUnavailable(err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return postgres.NewAccountRepo(db), func() { _ = db.Close() }, nil
}

func connectRedis(cfg *config.Config, newRedis func(string, string, int) *redis.Client) *redis.Client {
	if !cfg.RedisEnabled || newRedis == nil {
		logger.Logger.Info().Msg("redis disabled")
		return nil
	}

	c := newRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := c.Ping(context.Background()); err != nil {
		logger.Logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable; continuing without it")
		_ = c.Close()
		return nil
	}
	logger.Logger.Info().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Msg("redis connected")
	return c
}

// reconnectingPublisher redials a dropped broker connection before publishing,
// so the API and the outbox relay recover without a restart.
type reconnectingPublisher struct {
	b Broker
}

func (p *reconnectingPublisher) Publish(ctx context.Context, task domain.VerificationTask) error {
	if p.b.Ready() != nil {
		if err := p.b.Connect(ctx); err != nil {
			return err
		}
	}
	return p.b.Publish(ctx, task)
}

func runCleanup(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

/*
========================
 Default deps (prod)
========================
*/

func defaultDeps() Deps {
	return Deps{
		LoadConfig: config.LoadAPI,
		NewDB:      config.NewDB,
		NewRedis:   redis.New,
		NewBroker: func(cfg rabbitmq.Config) Broker {
			return rabbitmq.NewClient(cfg, logger.Logger)
		},
		NewRouter: router.New,
	}
}
