package lock

import (
	"context"
	"time"
)

// Locker hands out exclusive, expiring leases on a name.
type Locker interface {
	// TryAcquire returns ok=false without error when another holder owns name.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (lease Lease, ok bool, err error)
}

type Lease interface {
	Release(ctx context.Context) error
}
