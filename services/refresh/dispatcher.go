package refresh

import (
	"context"

	"ticketteller/pkg/task"
	"ticketteller/services/subscription"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type lookupRefresher interface {
	Refresher
	GetSubscriptionByID(ctx context.Context, id string) (*subscription.Subscription, error)
}

// Dispatcher serves on-demand refreshes. With a queue it enqueues a
// ticket:refresh task for the worker; without one it refreshes inline.
type Dispatcher struct {
	svc   lookupRefresher
	queue task.Enqueuer
}

func NewDispatcher(svc lookupRefresher, queue task.Enqueuer) *Dispatcher {
	return &Dispatcher{svc: svc, queue: queue}
}

func (d *Dispatcher) DispatchRefresh(ctx context.Context, subscriptionID string) (bool, error) {
	if d.queue == nil {
		return false, d.svc.RefreshTokens(ctx, subscriptionID)
	}

	// unknown ids fail fast instead of being discovered by the worker
	sub, err := d.svc.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	if sub == nil {
		return false, subscription.NotFound(subscriptionID)
	}

	t, err := NewRefreshTask(subscriptionID)
	if err != nil {
		return false, err
	}

	info, err := d.queue.Enqueue(ctx, t, asynq.Queue(task.QueueCritical))
	if err != nil {
		zap.L().Error("failed to enqueue refresh", zap.String("subscription_id", subscriptionID), zap.Error(err))
		return false, err
	}

	zap.L().Info("refresh enqueued", zap.String("subscription_id", subscriptionID), zap.String("task_id", info.ID))
	return true, nil
}
