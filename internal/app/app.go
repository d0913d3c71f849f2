package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/clock"
	"github.com/kirinyoku/tix-reserve/internal/config"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/kafka"
	"github.com/kirinyoku/tix-reserve/internal/lock"
	"github.com/kirinyoku/tix-reserve/internal/postgres"
	"github.com/kirinyoku/tix-reserve/internal/queue"
	"github.com/kirinyoku/tix-reserve/internal/redis"
	postgresrepo "github.com/kirinyoku/tix-reserve/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/service"
	"github.com/kirinyoku/tix-reserve/internal/service/reservation"
	httpgin "github.com/kirinyoku/tix-reserve/internal/transport/http/gin"
	"github.com/kirinyoku/tix-reserve/migrations"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	pool       *queue.Pool
	sweeper    *reservation.Sweeper
	cache      *redisrepo.Cache
	pubsub     *redisrepo.EventsPubSub
	closers    []io.Closer
	pgxPool    *pgxpool.Pool
	rdb        *goredis.Client
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx := context.Background()

	// Initialize dependencies
	pgxPool, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.Postgres.DSN(),
		MaxConns:        cfg.Postgres.MaxConns,
		ApplicationName: "tixreserve",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	if cfg.Postgres.Migrate {
		if err := migrations.Apply(ctx, pgxPool); err != nil {
			pgxPool.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	rdb, err := redis.New(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Queue.Workers + 16,
	})
	if err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, pgxPool: pgxPool, rdb: rdb}

	// Initialize repositories
	store := postgresrepo.NewStore(pgxPool)
	a.cache = redisrepo.New(rdb)
	a.pubsub = redisrepo.NewEventsPubSub(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, "reserve", cfg.RateLimit.Limit, cfg.RateLimit.Window)
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, cfg.Reservation.IdempotencyTTL)

	notifiers := reservation.Notifiers{a.pubsub}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		notifiers = append(notifiers, producer)
		a.closers = append(a.closers, producer)
	}

	// Initialize task queue
	var broker queue.Broker
	switch cfg.Queue.Backend {
	case "memory":
		broker = queue.NewMemoryBroker()
	default:
		broker = queue.NewRedisBroker(rdb, cfg.Queue.Name, cfg.Queue.ConsumerID, cfg.Queue.ResultTTL)
	}

	clk := clock.NewSystem()

	a.pool = queue.NewPool(broker, queue.Config{
		Workers:         cfg.Queue.Workers,
		PollTimeout:     cfg.Queue.PollTimeout,
		PromoteInterval: cfg.Queue.PromoteInterval,
		ResultTimeout:   cfg.Queue.ResultTimeout,
	}, logger.With("component", "queue"), clk)

	// Initialize services
	services := service.NewServices(store, a.cache, a.pool, notifiers, clk, logger, service.Config{
		Reservation: reservation.Config{
			HoldTTL:    cfg.Reservation.HoldTTL,
			SweepBatch: cfg.Reservation.SweepBatch,
		},
		ExpiryMaxAttempts: cfg.Queue.ExpiryMaxAttempts,
	})

	var locker lock.Locker
	switch cfg.Lock.Backend {
	case "etcd":
		etcdLocker, err := lock.NewEtcdLocker(lock.EtcdConfig{
			Endpoints:   cfg.Lock.EtcdEndpoints,
			DialTimeout: cfg.Lock.EtcdDialTimeout,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize etcd: %w", err)
		}
		locker = etcdLocker
		a.closers = append(a.closers, etcdLocker)
	default:
		locker = lock.NewRedisLocker(rdb)
	}

	a.sweeper = reservation.NewSweeper(
		services.Reservation,
		locker,
		cfg.Reservation.SweepInterval,
		logger.With("component", "sweeper"),
	)

	// Initialize Gin router
	api := httpgin.NewAPI(services, idempotencyStore, limiter)
	api.ClaimTTL = cfg.Reservation.IdempotencyClaimTTL
	router := httpgin.NewRouter(api, logger)

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Queue workers
	g.Go(func() error {
		if err := a.pool.Run(gCtx); err != nil {
			return fmt.Errorf("queue stopped: %w", err)
		}
		return nil
	})

	// Expiry reconciliation
	g.Go(func() error {
		return a.sweeper.Run(gCtx)
	})

	// Lifecycle events from every instance
	g.Go(func() error {
		err := a.pubsub.Subscribe(gCtx, a.onLifecycle)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("lifecycle subscription stopped: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

// onLifecycle drops cached availability for the affected ticket types,
// including changes made by other instances.
func (a *App) onLifecycle(ctx context.Context, ev domain.LifecycleEvent) {
	a.logger.Debug("reservation lifecycle",
		"kind", ev.Kind,
		"reservation_id", ev.ReservationID,
		"event_id", ev.EventID,
		"quantity", ev.Quantity,
	)
	if err := a.cache.InvalidateAvailability(ctx, ev.EventID, ev.TicketTypeIDs...); err != nil {
		a.logger.Warn("invalidate availability failed", "event_id", ev.EventID, "error", err)
	}
}

func (a *App) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pgxPool != nil {
		a.pgxPool.Close()
	}
}
