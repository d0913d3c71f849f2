package reservation

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirinyoku/tix-reserve/internal/lock"
)

const sweepLockName = "reservation-sweep"

// Sweeper periodically runs Service.Sweep on whichever instance holds the
// sweep lease.
type Sweeper struct {
	svc      *Service
	locker   lock.Locker
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(svc *Service, locker lock.Locker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Sweeper{svc: svc, locker: locker, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep if the lease can be taken and reports
// whether it ran.
func (s *Sweeper) RunOnce(ctx context.Context) bool {
	lease, ok, err := s.locker.TryAcquire(ctx, sweepLockName, s.interval)
	if err != nil {
		s.logger.Error("acquire sweep lock failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release sweep lock failed", "error", err)
		}
	}()

	n, err := s.svc.Sweep(ctx)
	if err != nil {
		s.logger.Error("reservation sweep failed", "released", n, "error", err)
		return true
	}
	if n > 0 {
		s.logger.Info("expired stale reservations", "released", n)
	}

	return true
}
