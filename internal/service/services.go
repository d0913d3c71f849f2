package service

import (
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-reserve/internal/clock"
	"github.com/kirinyoku/tix-reserve/internal/queue"
	postgres "github.com/kirinyoku/tix-reserve/internal/repository/postgres"
	redis "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/service/admin"
	"github.com/kirinyoku/tix-reserve/internal/service/query"
	"github.com/kirinyoku/tix-reserve/internal/service/reservation"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

type Services struct {
	Reservation *reservation.Service
	Dispatcher  *reservation.Dispatcher
	Query       *query.Service
	Admin       *admin.Service
}

type Config struct {
	Reservation       reservation.Config
	Query             query.Config
	ExpiryMaxAttempts int
}

// NewServices wires the services and registers the reservation task handlers
// on pool.
func NewServices(
	store *postgres.Store,
	cache *redis.Cache,
	pool *queue.Pool,
	notifier reservation.Notifier,
	clk clock.Clock,
	logger *slog.Logger,
	cfg Config,
) *Services {
	// Counters are guarded by conditional updates and reservation rows are
	// locked explicitly, so read committed is enough.
	tx := uow.NewUoW(store, &pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})

	res := reservation.New(
		tx,
		store.Repos(),
		reservation.NewQueueScheduler(pool, cfg.ExpiryMaxAttempts),
		notifier,
		cache,
		clk,
		logger,
		cfg.Reservation,
	)

	return &Services{
		Reservation: res,
		Dispatcher:  reservation.NewDispatcher(pool, res),
		Query:       query.New(store.Catalog(), cache, cfg.Query),
		Admin:       admin.New(tx, cache),
	}
}
