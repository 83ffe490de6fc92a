package spending

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"relieffund-core/services/allocation"
)

const TypeExpireRequest = "spending:expire_request"

type expirePayload struct {
	RequestID string `json:"request_id"`
}

// enqueueExpiry schedules a delayed expiry task for a pending request.
// The periodic sweep covers the case where redis is down or the task is
// lost, so a failed enqueue is logged and not fatal.
func (s *Service) enqueueExpiry(ctx context.Context, request *Request) {
	if s.enqueuer == nil {
		return
	}

	payload, err := json.Marshal(expirePayload{RequestID: request.ID})
	if err != nil {
		zap.L().Error("failed to marshal expiry payload",
			zap.String("request_id", request.ID), zap.Error(err))
		return
	}

	_, err = s.enqueuer.Enqueue(ctx,
		asynq.NewTask(TypeExpireRequest, payload),
		asynq.ProcessIn(s.requestTTL),
		asynq.Queue("low"),
	)
	if err != nil {
		zap.L().Error("failed to enqueue expiry task",
			zap.String("request_id", request.ID), zap.Error(err))
	}
}

// HandleExpireRequest processes a delayed expiry task. A request that was
// approved or rejected in the meantime is left alone.
func (s *Service) HandleExpireRequest(ctx context.Context, t *asynq.Task) error {
	var payload expirePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid expiry payload", zap.Error(err))
		return nil
	}

	err := s.Expire(ctx, payload.RequestID)
	if err != nil {
		if errors.Is(err, allocation.ErrInvalidTransition) || errors.Is(err, allocation.ErrNotFound) {
			return nil
		}
		return err
	}

	zap.L().Info("spend request expired",
		zap.String("request_id", payload.RequestID))
	return nil
}

func RegisterTasks(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(TypeExpireRequest, svc.HandleExpireRequest)
}
