package spending

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"relieffund-core/pkg/config"
	"relieffund-core/pkg/db/option"
	"relieffund-core/pkg/errutil"
	"relieffund-core/pkg/repository"
	"relieffund-core/pkg/task"
	"relieffund-core/services/allocation"
	"relieffund-core/services/transaction"
)

const defaultRequestTTL = 24 * time.Hour

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *allocation.Service
	enqueuer task.Enqueuer
	requests repository.Repository[Request]

	requestTTL time.Duration
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   *allocation.Service
	Enqueuer task.Enqueuer `optional:"true"`
	Config   *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	ttl := defaultRequestTTL
	if p.Config != nil && p.Config.Spending.RequestTTL > 0 {
		ttl = p.Config.Spending.RequestTTL
	}

	return &Service{
		db:         p.DB,
		node:       p.Node,
		ledger:     p.Ledger,
		enqueuer:   p.Enqueuer,
		requests:   repository.ProvideStore[Request](p.DB),
		requestTTL: ttl,
	}
}

func (s *Service) logFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

type SpendParams struct {
	AccountID  string
	MerchantID string
	Category   string
	Amount     int64
	OrderID    string
}

// Result carries the outcome of a spend request: a committed ledger entry
// in direct mode, or a pending request awaiting approval in controlled mode.
type Result struct {
	Request *Request
	Entry   *transaction.Entry
}

// RequestSpend validates and records a spend attempt. Direct mode
// authorizes and commits in one step; controlled mode holds the funds
// under a reservation so a concurrent request cannot double-spend the
// capacity while this one awaits approval.
func (s *Service) RequestSpend(ctx context.Context, p SpendParams) (*Result, error) {
	if p.MerchantID == "" {
		return nil, errutil.BadRequest("merchant is required", nil)
	}

	account, _, err := s.ledger.GetAccount(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}

	reservation, err := s.ledger.AuthorizeDebit(ctx, allocation.AuthorizeParams{
		AccountID: p.AccountID,
		Amount:    p.Amount,
		Category:  p.Category,
		Kind:      allocation.ReserveSpend,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	request := &Request{
		ID:            s.node.Generate().String(),
		AccountID:     p.AccountID,
		MerchantID:    p.MerchantID,
		Category:      reservation.Category,
		Amount:        p.Amount,
		OrderID:       p.OrderID,
		Status:        StatusPending,
		ReservationID: reservation.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if account.SpendingMode == allocation.ModeDirect {
		entry, err := s.ledger.Commit(ctx, allocation.CommitParams{
			ReservationID:  reservation.ID,
			CounterpartyID: p.MerchantID,
			ReferenceID:    p.OrderID,
		})
		if err != nil {
			if relErr := s.ledger.Release(ctx, reservation.ID); relErr != nil {
				zap.L().With(s.logFields(ctx)...).Error("failed to release after commit failure",
					zap.String("reservation_id", reservation.ID), zap.Error(relErr))
			}
			return nil, err
		}

		request.Status = StatusCommitted
		request.TransactionID = entry.ID
		if err := s.requests.Create(ctx, request); err != nil {
			return nil, errutil.Internal("failed to persist spend request", err)
		}
		return &Result{Request: request, Entry: entry}, nil
	}

	if err := s.requests.Create(ctx, request); err != nil {
		if relErr := s.ledger.Release(ctx, reservation.ID); relErr != nil {
			zap.L().With(s.logFields(ctx)...).Error("failed to release orphaned reservation",
				zap.String("reservation_id", reservation.ID), zap.Error(relErr))
		}
		return nil, errutil.Internal("failed to persist spend request", err)
	}

	s.enqueueExpiry(ctx, request)

	return &Result{Request: request}, nil
}

// Approve commits the held reservation of a pending controlled-mode
// request. The ledger's conditional commit makes approval exactly-once:
// a concurrent approve or reject loses the race and gets ErrInvalidTransition.
func (s *Service) Approve(ctx context.Context, requestID string) (*Result, error) {
	request, err := s.getPending(ctx, requestID)
	if err != nil {
		return nil, err
	}

	entry, err := s.ledger.Commit(ctx, allocation.CommitParams{
		ReservationID:  request.ReservationID,
		CounterpartyID: request.MerchantID,
		ReferenceID:    request.OrderID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.transition(ctx, requestID, StatusCommitted, map[string]any{
		"transaction_id": entry.ID,
	}); err != nil {
		// Funds are committed; the request row is now stale. Surface the
		// inconsistency instead of guessing a repair.
		zap.L().With(s.logFields(ctx)...).Error("spend request out of sync with ledger",
			zap.String("request_id", requestID), zap.Error(err))
		return nil, err
	}

	request.Status = StatusCommitted
	request.TransactionID = entry.ID
	return &Result{Request: request, Entry: entry}, nil
}

// Reject releases the held reservation and closes the request.
func (s *Service) Reject(ctx context.Context, requestID, reason string) (*Request, error) {
	request, err := s.getPending(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Release(ctx, request.ReservationID); err != nil {
		return nil, err
	}

	if err := s.transition(ctx, requestID, StatusRejected, map[string]any{
		"reason": reason,
	}); err != nil {
		return nil, err
	}

	request.Status = StatusRejected
	request.Reason = reason
	return request, nil
}

// Expire releases a pending request whose reservation outlived the TTL.
// Safe to call twice: the loser of the race gets ErrInvalidTransition.
// A pending row whose reservation was already committed (an approval that
// crashed between the ledger write and the row update) is repaired to
// committed, never expired: the funds are spent.
func (s *Service) Expire(ctx context.Context, requestID string) error {
	request, err := s.getPending(ctx, requestID)
	if err != nil {
		return err
	}

	reservation, err := s.ledger.GetReservation(ctx, request.ReservationID)
	if err != nil {
		return err
	}
	if reservation.Status == allocation.ReservationCommitted {
		return s.transition(ctx, requestID, StatusCommitted, nil)
	}

	if err := s.ledger.Release(ctx, request.ReservationID); err != nil {
		// The ledger sweep may have released the hold already; the request
		// row still needs its terminal state.
		if !isAlreadySettled(err) {
			return err
		}
	}

	return s.transition(ctx, requestID, StatusExpired, map[string]any{
		"reason": "request expired before approval",
	})
}

// SweepExpired expires every pending request older than the TTL and then
// releases any orphaned ledger reservations. Returns the number of
// requests expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.requestTTL)
	stale, err := s.requests.Find(ctx, &Request{Status: StatusPending},
		option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LTE,
			Value:    cutoff,
		}))
	if err != nil {
		return 0, errutil.Internal("failed to scan stale spend requests", err)
	}

	expired := 0
	for _, r := range stale {
		if err := s.Expire(ctx, r.ID); err != nil {
			zap.L().With(s.logFields(ctx)...).Warn("failed to expire spend request",
				zap.String("request_id", r.ID), zap.Error(err))
			continue
		}
		expired++
	}

	if _, err := s.ledger.ReleaseExpired(ctx); err != nil {
		return expired, err
	}

	return expired, nil
}

// Get returns one spend request by id.
func (s *Service) Get(ctx context.Context, requestID string) (*Request, error) {
	request, err := s.requests.FindOne(ctx, &Request{ID: requestID})
	if err != nil {
		return nil, errutil.Internal("failed to load spend request", err)
	}
	if request == nil {
		return nil, errutil.NotFound("spend request not found", allocation.ErrNotFound)
	}
	return request, nil
}

func (s *Service) getPending(ctx context.Context, requestID string) (*Request, error) {
	request, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != StatusPending {
		return nil, errutil.Conflict("spend request already settled", allocation.ErrInvalidTransition)
	}
	return request, nil
}

func (s *Service) transition(ctx context.Context, requestID string, to Status, extra map[string]any) error {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&Request{}).
		Where("id = ? AND status = ?", requestID, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return errutil.Internal("failed to update spend request", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("spend request already settled", allocation.ErrInvalidTransition)
	}
	return nil
}

func isAlreadySettled(err error) bool {
	return errors.Is(err, allocation.ErrInvalidTransition) ||
		errors.Is(err, allocation.ErrReservationExpired)
}
