package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/application/notify"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/config"
	infraemail "github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/email"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/messaging/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/redis"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/logger"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/metrics"
	http_handlers "github.com/baechuer/real-time-ressys/services/verify-service/internal/transport/http/handlers"
)

// QueueClient is what the worker needs from the broker.
type QueueClient interface {
	Connect(ctx context.Context) error
	Consume(ctx context.Context, handler rabbitmq.Handler) error
	PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error
	Ready() error
	Close() error
}

type WorkerDeps struct {
	LoadConfig func() (*config.Config, error)
	NewRedis   func(addr, password string, db int) *redis.Client
	NewQueue   func(cfg rabbitmq.Config) QueueClient
	NewSender  func(cfg *config.Config) notify.Sender
}

/*
App
---
The worker process: a supervised consumer plus an ops HTTP server
(/healthz, /readyz, /metrics). Start blocks until Stop is called or either
part fails.
*/
type App struct {
	queue  QueueClient
	worker *rabbitmq.Worker
	ops    *http.Server
	lg     zerolog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

func NewApp() (*App, func(), error) {
	return newApp(defaultWorkerDeps())
}

// NewAppWithDeps allows injecting dependencies for testing
func NewAppWithDeps(deps WorkerDeps) (*App, func(), error) {
	return newApp(deps)
}

func newApp(deps WorkerDeps) (*App, func(), error) {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	lg := logger.Logger

	var cleanupFns []func()

	// Sender
	sender := deps.NewSender(cfg)

	// Redis idempotency (optional)
	var idem notify.IdempotencyStore
	if c := connectRedis(cfg, deps.NewRedis); c != nil {
		idem = redis.NewIdempotencyStore(c)
		cleanupFns = append(cleanupFns, func() { _ = c.Close() })
	}

	notifySvc := notify.NewService(sender, idem, notify.Config{
		VerifyBaseURL:  cfg.VerifyBaseURL,
		IdempotencyTTL: cfg.EmailIdempotencyTTL,
	}, lg)

	// Queue client: consumes the main queue, republishes to retry / DLQ
	q := deps.NewQueue(rabbitmq.Config{
		URL:            cfg.RabbitURL,
		Queue:          cfg.Queue,
		Prefetch:       cfg.Prefetch,
		ConsumerTag:    cfg.ConsumeTag,
		RetryDelay:     cfg.RetryDelay,
		PublishTimeout: cfg.PublishTimeout,
	})
	cleanupFns = append(cleanupFns, func() { _ = q.Close() })

	// An unreachable broker at startup is fatal; Supervise only handles drops
	// after this first connect.
	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = q.Connect(connectCtx)
	cancel()
	if err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}

	w := rabbitmq.NewWorker(q, notifySvc, rabbitmq.WorkerConfig{
		Queue:       cfg.Queue,
		MaxAttempts: cfg.MaxAttempts,
	}, lg)

	// Ops server
	health := http_handlers.NewHealthHandler(
		http_handlers.Check{Name: "broker", Fn: func(context.Context) error { return q.Ready() }},
	)
	r := chi.NewRouter()
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	app := &App{
		queue:  q,
		worker: w,
		ops: &http.Server{
			Addr:              cfg.WorkerHTTPAddr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		lg:       lg.With().Str("component", "worker_app").Logger(),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
		defer cancel()
		_ = app.Stop(ctx)
		runCleanup(cleanupFns)
	}

	return app, cleanup, nil
}

// Handler exposes the ops router, mainly for tests.
func (a *App) Handler() http.Handler { return a.ops.Handler }

func (a *App) Start(ctx context.Context) error {
	select {
	case <-a.stopping:
		return nil
	default:
	}
	a.started.Store(true)
	defer close(a.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stopping:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.lg.Info().Msg("consumer starting")
		return rabbitmq.Supervise(gctx, a.queue, a.worker.Handle, a.lg)
	})

	g.Go(func() error {
		a.lg.Info().Str("addr", a.ops.Addr).Msg("ops server listening")
		if err := a.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.ops.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Stop cancels consumption and waits for in-flight deliveries to settle.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopping) })
	if !a.started.Load() {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

/*
========================
 Default deps (prod)
========================
*/

func defaultWorkerDeps() WorkerDeps {
	return WorkerDeps{
		LoadConfig: config.LoadWorker,
		NewRedis:   redis.New,
		NewQueue: func(cfg rabbitmq.Config) QueueClient {
			return rabbitmq.NewClient(cfg, logger.Logger)
		},
		NewSender: newSender,
	}
}

func newSender(cfg *config.Config) notify.Sender {
	switch cfg.EmailSender {
	case "smtp":
		return infraemail.NewSMTPSender(infraemail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Timeout:  cfg.SMTPTimeout,
			Insecure: cfg.SMTPInsecure,
		}, logger.Logger)
	default:
		return infraemail.NewFakeSender(cfg.FakeFailMode, cfg.FakeFailFirst, logger.Logger)
	}
}
