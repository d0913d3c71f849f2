package lock

import (
	"context"
	"fmt"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// EtcdLocker grants each lease an etcd lease and claims the key with a
// create-revision transaction, so the key vanishes with the lease.
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdLocker(cfg EtcdConfig) (*EtcdLocker, error) {
	const op = "lock.NewEtcdLocker"

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &EtcdLocker{client: cli, prefix: "/tixreserve/locks/"}, nil
}

func (l *EtcdLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	const op = "lock.EtcdLocker.TryAcquire"

	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	grant, err := l.client.Grant(ctx, seconds)
	if err != nil {
		return nil, false, fmt.Errorf("%s: grant: %w", op, err)
	}

	key := l.prefix + name
	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		_, _ = l.client.Revoke(context.Background(), grant.ID)
		return nil, false, fmt.Errorf("%s: txn: %w", op, err)
	}

	if !resp.Succeeded {
		_, _ = l.client.Revoke(context.Background(), grant.ID)
		return nil, false, nil
	}

	return &etcdLease{client: l.client, key: key, id: grant.ID}, true, nil
}

func (l *EtcdLocker) Close() error {
	return l.client.Close()
}

type etcdLease struct {
	client *clientv3.Client
	key    string
	id     clientv3.LeaseID
}

// Release revokes the lease, which also deletes the key.
func (e *etcdLease) Release(ctx context.Context) error {
	const op = "lock.etcdLease.Release"

	if _, err := e.client.Revoke(ctx, e.id); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
