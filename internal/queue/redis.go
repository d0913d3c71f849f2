package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const ns = "tixreserve:v1:queue"

// Moves up to ARGV[2] task ids with score <= ARGV[1] from the delayed set
// to the ready list.
// KEYS[1] = delayed zset
// KEYS[2] = ready list
const luaPromoteDue = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`

// RedisBroker keeps task bodies in a hash keyed by task id. Ids travel
// through a ready list (LPUSH in, BLMOVE out), a per-consumer in-flight list
// and a delayed sorted set scored by due time in milliseconds.
type RedisBroker struct {
	rdb       *redis.Client
	name      string
	consumer  string
	resultTTL time.Duration
	promote   *redis.Script
}

func NewRedisBroker(rdb *redis.Client, name, consumer string, resultTTL time.Duration) *RedisBroker {
	if resultTTL <= 0 {
		resultTTL = 5 * time.Minute
	}

	return &RedisBroker{
		rdb:       rdb,
		name:      name,
		consumer:  consumer,
		resultTTL: resultTTL,
		promote:   redis.NewScript(luaPromoteDue),
	}
}

func (b *RedisBroker) keyReady() string   { return fmt.Sprintf("%s:%s:ready", ns, b.name) }
func (b *RedisBroker) keyDelayed() string { return fmt.Sprintf("%s:%s:delayed", ns, b.name) }
func (b *RedisBroker) keyTasks() string   { return fmt.Sprintf("%s:%s:tasks", ns, b.name) }
func (b *RedisBroker) keyInflight() string {
	return fmt.Sprintf("%s:%s:inflight:%s", ns, b.name, b.consumer)
}
func (b *RedisBroker) keyResult(id string) string {
	return fmt.Sprintf("%s:%s:result:%s", ns, b.name, id)
}

func (b *RedisBroker) Push(ctx context.Context, t Task) error {
	const op = "queue.RedisBroker.Push"

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.keyTasks(), t.ID, string(body))
		p.LPush(ctx, b.keyReady(), t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Schedule stores t to become ready at at. Scheduling an id again replaces
// the body and the due time.
func (b *RedisBroker) Schedule(ctx context.Context, t Task, at time.Time) error {
	const op = "queue.RedisBroker.Schedule"

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.keyTasks(), t.ID, string(body))
		p.ZAdd(ctx, b.keyDelayed(), redis.Z{Score: float64(at.UnixMilli()), Member: t.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (b *RedisBroker) Pop(ctx context.Context, timeout time.Duration) (*Task, error) {
	const op = "queue.RedisBroker.Pop"

	id, err := b.rdb.BLMove(ctx, b.keyReady(), b.keyInflight(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	body, err := b.rdb.HGet(ctx, b.keyTasks(), id).Result()
	if errors.Is(err, redis.Nil) {
		// Body already acked by another consumer; drop the stale id.
		_ = b.rdb.LRem(ctx, b.keyInflight(), 1, id).Err()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	var t Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("%s: decode %s: %w", op, id, err)
	}

	return &t, nil
}

func (b *RedisBroker) Ack(ctx context.Context, t Task) error {
	const op = "queue.RedisBroker.Ack"

	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, b.keyInflight(), 1, t.ID)
		p.HDel(ctx, b.keyTasks(), t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (b *RedisBroker) Retry(ctx context.Context, t Task, at time.Time) error {
	const op = "queue.RedisBroker.Retry"

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.keyTasks(), t.ID, string(body))
		p.ZAdd(ctx, b.keyDelayed(), redis.Z{Score: float64(at.UnixMilli()), Member: t.ID})
		p.LRem(ctx, b.keyInflight(), 1, t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (b *RedisBroker) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	const op = "queue.RedisBroker.PromoteDue"

	n, err := b.promote.Run(
		ctx,
		b.rdb,
		[]string{b.keyDelayed(), b.keyReady()},
		now.UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return n, nil
}

func (b *RedisBroker) Recover(ctx context.Context) (int, error) {
	const op = "queue.RedisBroker.Recover"

	n := 0
	for {
		err := b.rdb.LMove(ctx, b.keyInflight(), b.keyReady(), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%s:%w", op, err)
		}
		n++
	}
}

func (b *RedisBroker) PublishResult(ctx context.Context, r Result) error {
	const op = "queue.RedisBroker.PublishResult"

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	key := b.keyResult(r.TaskID)
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, string(body))
		p.Expire(ctx, key, b.resultTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (b *RedisBroker) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (*Result, error) {
	const op = "queue.RedisBroker.AwaitResult"

	vals, err := b.rdb.BLPop(ctx, timeout, b.keyResult(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrResultTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("%s: unexpected reply %v", op, vals)
	}

	var r Result
	if err := json.Unmarshal([]byte(vals[1]), &r); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &r, nil
}
