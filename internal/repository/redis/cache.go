package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a read-through JSON cache for catalog reads. Concurrent misses on
// one key share a single loader call.
type Cache struct {
	rdb *redis.Client
	sf  singleflight.Group
}

func New(client *redis.Client) *Cache {
	return &Cache{rdb: client}
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return c.rdb.Del(ctx, keys...).Err()
}

// GetJSON reads key into T. An entry that no longer decodes into T counts as
// a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var out T

	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}

	if err := json.Unmarshal([]byte(s), &out); err != nil {
		var zero T
		return zero, false, nil
	}

	return out, true, nil
}

func SetJSON(
	ctx context.Context,
	c *Cache,
	key string,
	val any,
	ttl time.Duration,
) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, string(b), ttl).Err()
}

// GetOrSetJSON returns the cached value of key or loads and caches it for ttl.
// Loader errors are returned as is and nothing is cached. The loader is not
// cancelled when the caller that started it goes away, since other callers
// may be waiting on the same key.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	if v, ok, err := GetJSON[T](ctx, c, key); err != nil || ok {
		return v, err
	}

	shared := context.WithoutCancel(ctx)

	vAny, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok, err := GetJSON[T](shared, c, key); err != nil || ok {
			return v, err
		}

		v, err := loader(shared)
		if err != nil {
			return nil, err
		}

		_ = SetJSON(shared, c, key, v, ttl)

		return v, nil
	})
	if err != nil {
		return zero, err
	}

	v, ok := vAny.(T)
	if !ok {
		return zero, fmt.Errorf("cache %s: unexpected value type %T", key, vAny)
	}

	return v, nil
}

// InvalidateAvailability drops the cached summary of an event and the cached
// availability of the given ticket types.
func (c *Cache) InvalidateAvailability(ctx context.Context, eventID int64, ticketTypeIDs ...int64) error {
	keys := make([]string, 0, len(ticketTypeIDs)+1)
	keys = append(keys, KeyEventSummary(eventID))
	for _, id := range ticketTypeIDs {
		keys = append(keys, KeyTicketTypeAvailability(id))
	}

	return c.Del(ctx, keys...)
}
