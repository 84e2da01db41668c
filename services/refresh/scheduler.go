package refresh

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"ticketteller/pkg/lock"
	"ticketteller/pkg/rediskey"
	"ticketteller/services/subscription"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var leaderKey = rediskey.RefreshLeader()

// Refresher is the part of the subscription service the scheduler drives.
type Refresher interface {
	GetAllSubscriptions(ctx context.Context) ([]*subscription.Subscription, error)
	RefreshTokens(ctx context.Context, subscriptionID string) error
}

type Options struct {
	Interval    time.Duration
	Concurrency int
	LockTTL     time.Duration
}

// CycleResult summarises one pass over the due subscriptions.
type CycleResult struct {
	// NotLeader is set when another instance holds the cycle lock.
	NotLeader bool
	Due       int
	Refreshed int
	Failed    int
	Skipped   int
}

type Scheduler struct {
	svc    Refresher
	locker lock.Locker
	opts   Options
	now    func() time.Time
}

// NewScheduler builds a scheduler. locker may be nil, in which case every
// instance runs every cycle.
func NewScheduler(svc Refresher, locker lock.Locker, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.Interval
	}
	return &Scheduler{
		svc:    svc,
		locker: locker,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run performs a cycle immediately and then one per interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	zap.L().Info("[Scheduler] started refresh scheduler", zap.Duration("interval", s.opts.Interval))

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.runCycle(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			zap.L().Info("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	start := time.Now()
	res, err := s.RunCycle(ctx)
	cycleDuration.Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.Int("due", res.Due),
		zap.Int("refreshed", res.Refreshed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", time.Since(start)),
	}
	switch {
	case res.NotLeader:
		cycles.WithLabelValues(cycleSkipped).Inc()
		zap.L().Debug("[Scheduler] another instance holds the refresh lock")
	case ctx.Err() != nil:
		cycles.WithLabelValues(cycleCancelled).Inc()
		zap.L().Warn("[Scheduler] cycle cancelled", fields...)
	case err != nil:
		cycles.WithLabelValues(cycleFailed).Inc()
		zap.L().Error("[Scheduler] cycle failed", append(fields, zap.Error(err))...)
	default:
		cycles.WithLabelValues(cycleCompleted).Inc()
		zap.L().Info("[Scheduler] cycle finished", fields...)
	}
}

// RunCycle refreshes every subscription whose NextRefreshDate has passed and
// waits for all of them. A failing subscription is logged and counted; it
// never stops the others. Once ctx is cancelled no further refresh starts.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	if s.locker != nil {
		release, ok, err := s.locker.TryAcquire(ctx, leaderKey, s.opts.LockTTL)
		switch {
		case err != nil:
			// RefreshTokens is idempotent under its row lock, so running
			// without the leader lock only costs duplicate reads.
			zap.L().Warn("[Scheduler] leader lock unavailable, running cycle anyway", zap.Error(err))
		case !ok:
			res.NotLeader = true
			return res, nil
		default:
			defer release()
		}
	}

	subs, err := s.svc.GetAllSubscriptions(ctx)
	if err != nil {
		return res, fmt.Errorf("list subscriptions: %w", err)
	}

	now := s.now()
	due := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.RefreshDue(now) {
			due = append(due, sub.ID)
		}
	}
	res.Due = len(due)

	var refreshed, failed, skipped atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for i, id := range due {
		if ctx.Err() != nil {
			skipped.Add(int64(len(due) - i))
			break
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			if err := s.svc.RefreshTokens(ctx, id); err != nil {
				failed.Add(1)
				subscriptionFailures.Inc()
				zap.L().Error("[Scheduler] refresh failed", zap.String("subscription_id", id), zap.Error(err))
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Refreshed = int(refreshed.Load())
	res.Failed = int(failed.Load())
	res.Skipped = int(skipped.Load())
	return res, nil
}
