package refresh

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"ticketteller/pkg/errutil"
	"ticketteller/pkg/taskname"
	"ticketteller/services/subscription"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

func existing(_ context.Context, id string) (*subscription.Subscription, error) {
	return &subscription.Subscription{ID: id}, nil
}

func TestDispatchInlineWithoutQueue(t *testing.T) {
	m := &mockRefresher{}

	queued, err := NewDispatcher(m, nil).DispatchRefresh(context.Background(), "42")
	require.NoError(t, err)
	require.False(t, queued)
	require.Equal(t, []string{"42"}, m.calls())
}

func TestDispatchEnqueues(t *testing.T) {
	m := &mockRefresher{getFn: existing}
	q := &fakeEnqueuer{}

	queued, err := NewDispatcher(m, q).DispatchRefresh(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, queued)
	require.Len(t, q.tasks, 1)
	require.Equal(t, taskname.TicketRefresh, q.tasks[0].Type())
	require.Empty(t, m.calls())
}

func TestDispatchUnknownSubscription(t *testing.T) {
	q := &fakeEnqueuer{}

	_, err := NewDispatcher(&mockRefresher{}, q).DispatchRefresh(context.Background(), "missing")
	require.True(t, errutil.IsNotFound(err))
	require.Empty(t, q.tasks)
}

func TestDispatchEnqueueError(t *testing.T) {
	q := &fakeEnqueuer{err: errors.New("redis down")}

	queued, err := NewDispatcher(&mockRefresher{getFn: existing}, q).DispatchRefresh(context.Background(), "42")
	require.Error(t, err)
	require.False(t, queued)
}
