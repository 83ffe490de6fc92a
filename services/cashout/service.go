package cashout

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"relieffund-core/pkg/config"
	"relieffund-core/pkg/errutil"
	"relieffund-core/pkg/repository"
	"relieffund-core/services/allocation"
)

const (
	defaultSettleTimeout = 30 * time.Second
	maxCodeAttempts      = 5
)

// SettleResult is the settlement partner's answer for one reference code.
type SettleResult struct {
	Success       bool
	CorrelationID string
	Reason        string
}

// Settler pushes a payout to the external settlement rail. Implementations
// must be idempotent per reference code.
type Settler interface {
	Settle(ctx context.Context, referenceCode string, destination json.RawMessage, amount int64) (*SettleResult, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *allocation.Service
	settler  Settler
	requests repository.Repository[Request]

	settleTimeout time.Duration
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Ledger  *allocation.Service
	Settler Settler        `optional:"true"`
	Config  *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	timeout := defaultSettleTimeout
	if p.Config != nil && p.Config.Cashout.SettleTimeout > 0 {
		timeout = p.Config.Cashout.SettleTimeout
	}

	return &Service{
		db:            p.DB,
		node:          p.Node,
		ledger:        p.Ledger,
		settler:       p.Settler,
		requests:      repository.ProvideStore[Request](p.DB),
		settleTimeout: timeout,
	}
}

func (s *Service) logFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

type RequestParams struct {
	AccountID   string
	Amount      int64
	Destination json.RawMessage
}

// Request reserves the cashout amount and records a pending request under
// a fresh reference code. The funds stay held until Confirm settles or
// fails the payout.
func (s *Service) Request(ctx context.Context, p RequestParams) (*Request, error) {
	if len(p.Destination) == 0 {
		return nil, errutil.BadRequest("destination is required", nil)
	}

	reservation, err := s.ledger.AuthorizeDebit(ctx, allocation.AuthorizeParams{
		AccountID: p.AccountID,
		Amount:    p.Amount,
		Kind:      allocation.ReserveCashout,
	})
	if err != nil {
		return nil, err
	}

	code, err := s.issueReferenceCode(ctx)
	if err != nil {
		if relErr := s.ledger.Release(ctx, reservation.ID); relErr != nil {
			zap.L().With(s.logFields(ctx)...).Error("failed to release orphaned reservation",
				zap.String("reservation_id", reservation.ID), zap.Error(relErr))
		}
		return nil, err
	}

	now := time.Now()
	request := &Request{
		ID:            s.node.Generate().String(),
		AccountID:     p.AccountID,
		Amount:        p.Amount,
		Destination:   datatypes.JSON(p.Destination),
		Status:        StatusPending,
		ReferenceCode: code,
		ReservationID: reservation.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.requests.Create(ctx, request); err != nil {
		if relErr := s.ledger.Release(ctx, reservation.ID); relErr != nil {
			zap.L().With(s.logFields(ctx)...).Error("failed to release orphaned reservation",
				zap.String("reservation_id", reservation.ID), zap.Error(relErr))
		}
		return nil, errutil.Internal("failed to persist cashout request", err)
	}

	return request, nil
}

// Confirm settles a pending cashout. When result is nil the configured
// settler is invoked under a bounded timeout; a timeout counts as failure
// and the held funds are restored. At most one concurrent Confirm wins.
func (s *Service) Confirm(ctx context.Context, requestID string, result *SettleResult) (*Request, error) {
	request, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != StatusPending {
		return nil, errutil.Conflict("cashout already settled", allocation.ErrInvalidTransition)
	}

	if result == nil {
		result, err = s.settle(ctx, request)
		if err != nil {
			return nil, err
		}
	}

	if !result.Success {
		return s.fail(ctx, request, result)
	}

	entry, err := s.ledger.Commit(ctx, allocation.CommitParams{
		ReservationID:  request.ReservationID,
		CounterpartyID: result.CorrelationID,
		ReferenceID:    request.ReferenceCode,
	})
	if err != nil {
		return nil, err
	}

	if err := s.transition(ctx, request.ID, StatusCompleted, map[string]any{
		"transaction_id": entry.ID,
		"correlation_id": result.CorrelationID,
	}); err != nil {
		zap.L().With(s.logFields(ctx)...).Error("cashout request out of sync with ledger",
			zap.String("request_id", request.ID), zap.Error(err))
		return nil, err
	}

	request.Status = StatusCompleted
	request.TransactionID = entry.ID
	request.CorrelationID = result.CorrelationID
	return request, nil
}

// Get returns one cashout request by id.
func (s *Service) Get(ctx context.Context, requestID string) (*Request, error) {
	request, err := s.requests.FindOne(ctx, &Request{ID: requestID})
	if err != nil {
		return nil, errutil.Internal("failed to load cashout request", err)
	}
	if request == nil {
		return nil, errutil.NotFound("cashout request not found", allocation.ErrNotFound)
	}
	return request, nil
}

func (s *Service) settle(ctx context.Context, request *Request) (*SettleResult, error) {
	if s.settler == nil {
		return nil, errutil.Internal("no settlement collaborator configured", nil)
	}

	settleCtx, cancel := context.WithTimeout(ctx, s.settleTimeout)
	defer cancel()

	result, err := s.settler.Settle(settleCtx, request.ReferenceCode, json.RawMessage(request.Destination), request.Amount)
	if err != nil {
		// A timed-out or errored settlement is a failed settlement. The
		// partner dedupes on the reference code if the payout did land.
		zap.L().With(s.logFields(ctx)...).Warn("settlement failed",
			zap.String("reference_code", request.ReferenceCode), zap.Error(err))
		return &SettleResult{Success: false, Reason: err.Error()}, nil
	}
	return result, nil
}

func (s *Service) fail(ctx context.Context, request *Request, result *SettleResult) (*Request, error) {
	if err := s.ledger.Release(ctx, request.ReservationID); err != nil {
		return nil, err
	}

	if err := s.transition(ctx, request.ID, StatusFailed, map[string]any{
		"failure_reason": result.Reason,
		"correlation_id": result.CorrelationID,
	}); err != nil {
		return nil, err
	}

	request.Status = StatusFailed
	request.FailureReason = result.Reason
	request.CorrelationID = result.CorrelationID
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
		return errutil.Internal("failed to update cashout request", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("cashout already settled", allocation.ErrInvalidTransition)
	}
	return nil
}

// issueReferenceCode generates a partner-facing code and verifies it is
// unused. Collisions on 8 random bytes are astronomically rare, so a
// handful of retries is plenty.
func (s *Service) issueReferenceCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := generateReferenceCode()
		if err != nil {
			return "", errutil.Internal("failed to generate reference code", err)
		}

		existing, err := s.requests.FindOne(ctx, &Request{ReferenceCode: code})
		if err != nil {
			return "", errutil.Internal("failed to check reference code", err)
		}
		if existing == nil {
			return code, nil
		}
	}
	return "", errutil.Conflict("could not issue a unique reference code", allocation.ErrDuplicateReferenceCode)
}

func generateReferenceCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("CSH-%s-%s", time.Now().Format("20060102"), hex.EncodeToString(buf)), nil
}
