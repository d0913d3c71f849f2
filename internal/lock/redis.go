package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const ns = "tixreserve:v1:lock"

// Deletes the key only while it still holds our token.
const luaRelease = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

type RedisLocker struct {
	rdb     *redis.Client
	release *redis.Script
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, release: redis.NewScript(luaRelease)}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	const op = "lock.RedisLocker.TryAcquire"

	key := fmt.Sprintf("%s:%s", ns, name)
	token := newToken()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%s:%w", op, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &redisLease{locker: l, key: key, token: token}, true, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	const op = "lock.redisLease.Release"

	if err := r.locker.release.Run(ctx, r.locker.rdb, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
