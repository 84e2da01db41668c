package task

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNewEnqueuerNilClient(t *testing.T) {
	require.Nil(t, NewEnqueuer(nil))
}

func TestEnqueueWritesPendingTask(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := asynq.NewClientFromRedisClient(rdb)
	e := NewEnqueuer(client)

	info, err := e.Enqueue(context.Background(), asynq.NewTask("ticket:refresh", []byte(`{"subscription_id":"1"}`)), asynq.Queue(QueueDefault))
	require.NoError(t, err)
	require.Equal(t, QueueDefault, info.Queue)
	require.Equal(t, asynq.TaskStatePending, info.State)
}
