package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisBroker() (*RedisBroker, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return NewRedisBroker(db, "reservations", "node-1", time.Minute), mock
}

func TestRedisBroker_Push(t *testing.T) {
	b, mock := setupRedisBroker()
	ctx := context.Background()

	task := Task{ID: "t1", Kind: "reservation.create", Payload: json.RawMessage(`{"user_id":1}`), MaxAttempts: 1, Reply: true}
	body, err := json.Marshal(task)
	require.NoError(t, err)

	mock.ExpectTxPipeline()
	mock.ExpectHSet("tixreserve:v1:queue:reservations:tasks", "t1", string(body)).SetVal(1)
	mock.ExpectLPush("tixreserve:v1:queue:reservations:ready", "t1").SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, b.Push(ctx, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBroker_Schedule(t *testing.T) {
	b, mock := setupRedisBroker()
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	task := Task{ID: "expire:r1", Kind: "reservation.expire", MaxAttempts: 5}
	body, err := json.Marshal(task)
	require.NoError(t, err)

	mock.ExpectTxPipeline()
	mock.ExpectHSet("tixreserve:v1:queue:reservations:tasks", "expire:r1", string(body)).SetVal(1)
	mock.ExpectZAdd("tixreserve:v1:queue:reservations:delayed", redis.Z{Score: 1_700_000_000_000, Member: "expire:r1"}).SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, b.Schedule(ctx, task, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBroker_Pop(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		b, mock := setupRedisBroker()

		mock.ExpectBLMove(
			"tixreserve:v1:queue:reservations:ready",
			"tixreserve:v1:queue:reservations:inflight:node-1",
			"RIGHT", "LEFT", time.Second,
		).RedisNil()

		task, err := b.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Nil(t, task)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task body is loaded", func(t *testing.T) {
		b, mock := setupRedisBroker()

		body, err := json.Marshal(Task{ID: "t1", Kind: "reservation.create", MaxAttempts: 1})
		require.NoError(t, err)

		mock.ExpectBLMove(
			"tixreserve:v1:queue:reservations:ready",
			"tixreserve:v1:queue:reservations:inflight:node-1",
			"RIGHT", "LEFT", time.Second,
		).SetVal("t1")
		mock.ExpectHGet("tixreserve:v1:queue:reservations:tasks", "t1").SetVal(string(body))

		task, err := b.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "reservation.create", task.Kind)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale id is dropped", func(t *testing.T) {
		b, mock := setupRedisBroker()

		mock.ExpectBLMove(
			"tixreserve:v1:queue:reservations:ready",
			"tixreserve:v1:queue:reservations:inflight:node-1",
			"RIGHT", "LEFT", time.Second,
		).SetVal("gone")
		mock.ExpectHGet("tixreserve:v1:queue:reservations:tasks", "gone").RedisNil()
		mock.ExpectLRem("tixreserve:v1:queue:reservations:inflight:node-1", 1, "gone").SetVal(1)

		task, err := b.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Nil(t, task)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRedisBroker_Ack(t *testing.T) {
	b, mock := setupRedisBroker()

	mock.ExpectTxPipeline()
	mock.ExpectLRem("tixreserve:v1:queue:reservations:inflight:node-1", 1, "t1").SetVal(1)
	mock.ExpectHDel("tixreserve:v1:queue:reservations:tasks", "t1").SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, b.Ack(context.Background(), Task{ID: "t1"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBroker_Recover(t *testing.T) {
	b, mock := setupRedisBroker()

	inflight := "tixreserve:v1:queue:reservations:inflight:node-1"
	ready := "tixreserve:v1:queue:reservations:ready"

	mock.ExpectLMove(inflight, ready, "LEFT", "RIGHT").SetVal("t2")
	mock.ExpectLMove(inflight, ready, "LEFT", "RIGHT").SetVal("t1")
	mock.ExpectLMove(inflight, ready, "LEFT", "RIGHT").RedisNil()

	n, err := b.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBroker_Results(t *testing.T) {
	ctx := context.Background()
	key := "tixreserve:v1:queue:reservations:result:t1"

	t.Run("publish", func(t *testing.T) {
		b, mock := setupRedisBroker()

		res := Result{TaskID: "t1", Code: "quota_exceeded", Error: "quota exceeded"}
		body, err := json.Marshal(res)
		require.NoError(t, err)

		mock.ExpectTxPipeline()
		mock.ExpectRPush(key, string(body)).SetVal(1)
		mock.ExpectExpire(key, time.Minute).SetVal(true)
		mock.ExpectTxPipelineExec()

		require.NoError(t, b.PublishResult(ctx, res))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("await", func(t *testing.T) {
		b, mock := setupRedisBroker()

		mock.ExpectBLPop(time.Second, key).SetVal([]string{key, `{"task_id":"t1","payload":{"ok":true}}`})

		res, err := b.AwaitResult(ctx, "t1", time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(res.Payload))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("await timeout", func(t *testing.T) {
		b, mock := setupRedisBroker()

		mock.ExpectBLPop(time.Second, key).RedisNil()

		_, err := b.AwaitResult(ctx, "t1", time.Second)
		require.ErrorIs(t, err, ErrResultTimeout)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
