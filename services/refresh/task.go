package refresh

import (
	"context"
	"encoding/json"
	"fmt"

	"ticketteller/pkg/errutil"
	"ticketteller/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type RefreshPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

func NewRefreshTask(subscriptionID string) (*asynq.Task, error) {
	payload, err := json.Marshal(RefreshPayload{SubscriptionID: subscriptionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.TicketRefresh, payload, asynq.MaxRetry(5)), nil
}

// TaskHandler consumes ticket:refresh tasks on the worker.
type TaskHandler struct {
	svc Refresher
}

func NewTaskHandler(svc Refresher) *TaskHandler {
	return &TaskHandler{svc: svc}
}

func (h *TaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p RefreshPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if p.SubscriptionID == "" {
		return fmt.Errorf("%s payload without subscription_id: %w", t.Type(), asynq.SkipRetry)
	}

	log := zap.L().With(zap.String("task_type", t.Type()), zap.String("subscription_id", p.SubscriptionID))

	if err := h.svc.RefreshTokens(ctx, p.SubscriptionID); err != nil {
		if errutil.IsNotFound(err) {
			log.Warn("refresh task for deleted subscription, dropping")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		log.Error("refresh task failed", zap.Error(err))
		return err
	}

	log.Debug("refresh task done")
	return nil
}
