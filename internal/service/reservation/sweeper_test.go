package reservation_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kirinyoku/tix-reserve/internal/lock"
	"github.com/kirinyoku/tix-reserve/internal/service/reservation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	released int
}

func (l *fakeLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (lock.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return fakeLease{l}, true, nil
}

type fakeLease struct{ l *fakeLocker }

func (f fakeLease) Release(ctx context.Context) error {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	f.l.held = false
	f.l.released++
	return nil
}

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := newFixture(t)
	f.store.addEvent(1, 5)
	f.store.addType(10, 1, "10", 4)

	res, err := f.svc.Reserve(ctx, 7, 1, requested(10))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	locker := &fakeLocker{held: true}
	sw := reservation.NewSweeper(f.svc, locker, time.Minute, logger)

	assert.False(t, sw.RunOnce(ctx), "another instance holds the lease")
	_, ok := f.store.reservation(res.ID)
	assert.True(t, ok)

	locker.held = false
	assert.True(t, sw.RunOnce(ctx))

	_, ok = f.store.reservation(res.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, locker.released)
	assert.False(t, locker.held)

	available, _ := f.store.counters(10)
	assert.Equal(t, 4, available)
}
