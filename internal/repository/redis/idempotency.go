package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	idemLockPfx   = "LOCK:"
	idemResultPfx = "RES:"
)

// releaseIfLocked deletes the key only while it still holds the caller's
// claim, so a late release never drops a newer claim or a stored response.
var releaseIfLocked = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// StoredResponse is a response remembered for an Idempotency-Key together
// with the fingerprint of the request that produced it.
type StoredResponse struct {
	Fingerprint string          `json:"fingerprint"`
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
}

// IdempotencyStore remembers responses per Idempotency-Key. A key is first
// claimed with a short lock, then overwritten with the "RES:"-prefixed result.
type IdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

// Claim takes the key for lockTTL and returns the claim token needed by
// Release. It reports false when the key is already claimed or already holds
// a response.
func (s *IdempotencyStore) Claim(ctx context.Context, key string, lockTTL time.Duration) (string, bool, error) {
	const op = "redis.IdempotencyStore.Claim"

	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, idemLockPfx+token, lockTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("%s:%w", op, err)
	}
	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

// Lookup returns the stored response for key. A key that is only claimed
// reports false.
func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (*StoredResponse, bool, error) {
	const op = "redis.IdempotencyStore.Lookup"

	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s:%w", op, err)
	}

	payload, ok := strings.CutPrefix(v, idemResultPfx)
	if !ok {
		return nil, false, nil
	}

	var resp StoredResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, false, fmt.Errorf("%s:%w", op, err)
	}

	return &resp, true, nil
}

// Save replaces the claim with resp for the store TTL.
func (s *IdempotencyStore) Save(ctx context.Context, key string, resp StoredResponse) error {
	const op = "redis.IdempotencyStore.Save"

	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := s.rdb.Set(ctx, key, idemResultPfx+string(b), s.ttl).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Release drops the claim identified by token so the request can be retried.
// It does nothing once the claim expired or the key holds a response.
func (s *IdempotencyStore) Release(ctx context.Context, key, token string) error {
	const op = "redis.IdempotencyStore.Release"

	if err := releaseIfLocked.Run(ctx, s.rdb, []string{key}, idemLockPfx+token).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
