package refresh

import (
	"context"

	"ticketteller/pkg/config"
	"ticketteller/pkg/lock"
	"ticketteller/pkg/task"
	"ticketteller/pkg/taskname"
	"ticketteller/services/subscription"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module runs the scheduler in-process and serves on-demand refreshes.
var Module = fx.Module("refresh.scheduler",
	fx.Provide(
		provideScheduler,
		fx.Annotate(provideDispatcher, fx.As(new(subscription.RefreshDispatcher))),
	),
	fx.Invoke(startScheduler),
)

// Worker registers the ticket:refresh handler on the asynq mux.
var Worker = fx.Module("refresh.worker",
	fx.Provide(provideTaskHandler),
	fx.Invoke(registerTaskHandler),
)

func provideScheduler(cfg *config.Config, svc *subscription.Service, rdb *redis.Client) *Scheduler {
	var locker lock.Locker
	if rdb != nil {
		locker = lock.NewRedisLock(rdb)
	}
	return NewScheduler(svc, locker, Options{
		Interval:    cfg.Refresh.Interval,
		Concurrency: cfg.Refresh.Concurrency,
		LockTTL:     cfg.Refresh.LockTTL,
	})
}

func provideDispatcher(svc *subscription.Service, queue task.Enqueuer) *Dispatcher {
	return NewDispatcher(svc, queue)
}

func provideTaskHandler(svc *subscription.Service) *TaskHandler {
	return NewTaskHandler(svc)
}

func registerTaskHandler(mux *asynq.ServeMux, h *TaskHandler) {
	mux.Handle(taskname.TicketRefresh, h)
}

func startScheduler(lc fx.Lifecycle, cfg *config.Config, s *Scheduler) {
	if !cfg.Refresh.Enabled {
		zap.L().Info("[Scheduler] refresh scheduler disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				zap.L().Warn("[Scheduler] in-flight cycle abandoned at shutdown")
			}
			return nil
		},
	})
}
