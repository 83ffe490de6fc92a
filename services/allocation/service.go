package allocation

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"relieffund-core/pkg/config"
	"relieffund-core/pkg/db/option"
	"relieffund-core/pkg/errutil"
	"relieffund-core/pkg/repository"
	"relieffund-core/services/transaction"
)

const defaultReservationTTL = 24 * time.Hour

// Service owns the allocation ledger. Every debit against an account flows
// through AuthorizeDebit/Commit/Release; no other component writes account
// totals. Serialization per account is achieved with conditional updates
// (guard re-checked inside the UPDATE), not find-then-update.
type Service struct {
	grpc_health_v1.UnimplementedHealthServer

	db    *gorm.DB
	node  *snowflake.Node
	store *transaction.Store

	accounts     repository.Repository[Account]
	budgets      repository.Repository[CategoryBudget]
	reservations repository.Repository[Reservation]

	reservationTTL time.Duration
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Store  *transaction.Store
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	ttl := defaultReservationTTL
	if p.Config != nil && p.Config.Spending.RequestTTL > 0 {
		ttl = p.Config.Spending.RequestTTL
	}

	return &Service{
		db:             p.DB,
		node:           p.Node,
		store:          p.Store,
		accounts:       repository.ProvideStore[Account](p.DB),
		budgets:        repository.ProvideStore[CategoryBudget](p.DB),
		reservations:   repository.ProvideStore[Reservation](p.DB),
		reservationTTL: ttl,
	}
}

func (s *Service) logFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// Open creates a zero-balance account for a beneficiary on a campaign.
// Called by the application lifecycle inside its review transaction.
func (s *Service) Open(ctx context.Context, tx *gorm.DB, beneficiaryID, campaignID string, mode SpendingMode) (*Account, error) {
	if mode == "" {
		mode = ModeDirect
	}
	if mode != ModeDirect && mode != ModeControlled {
		return nil, errutil.BadRequest("unsupported spending mode", nil)
	}

	now := time.Now()
	account := &Account{
		ID:            s.node.Generate().String(),
		BeneficiaryID: beneficiaryID,
		CampaignID:    campaignID,
		SpendingMode:  mode,
		Status:        AccountActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.accounts.WithTrx(tx).Create(ctx, account); err != nil {
		return nil, errutil.Internal("failed to create allocation account", err)
	}

	return account, nil
}

type TopUpParams struct {
	AccountID      string
	Amount         int64
	Source         string
	CategoryLimits map[string]int64
}

// TopUp increases allocated_total and optionally reconfigures the account's
// category budgets. The sum of all limits may never exceed the new
// allocated_total, and no limit may drop below what its category has
// already consumed.
func (s *Service) TopUp(ctx context.Context, p TopUpParams) (*Account, error) {
	if p.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0", nil)
	}

	var account *Account
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Account{}).
			Where("id = ? AND status = ?", p.AccountID, AccountActive).
			Updates(map[string]any{
				"allocated_total": gorm.Expr("allocated_total + ?", p.Amount),
				"updated_at":      time.Now(),
			})
		if res.Error != nil {
			return errutil.Internal("failed to top up account", res.Error)
		}
		if res.RowsAffected == 0 {
			return s.explainAccountMiss(ctx, tx, p.AccountID)
		}

		var err error
		account, err = s.accounts.WithTrx(tx).FindOne(ctx, &Account{ID: p.AccountID})
		if err != nil {
			return errutil.Internal("failed to reload account", err)
		}

		if p.CategoryLimits != nil {
			if err := s.applyCategoryLimits(ctx, tx, account, p.CategoryLimits); err != nil {
				return err
			}
		}

		entry := &transaction.Entry{
			ID:             s.node.Generate().String(),
			AccountID:      account.ID,
			Kind:           transaction.KindTopUp,
			Amount:         p.Amount,
			CounterpartyID: p.Source,
			CreatedAt:      time.Now(),
		}
		if _, err := s.store.WithTrx(tx).Record(ctx, entry); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		zap.L().With(s.logFields(ctx)...).Warn("top-up rejected",
			zap.String("account_id", p.AccountID), zap.Error(err))
		return nil, err
	}

	return account, nil
}

type AuthorizeParams struct {
	AccountID string
	Amount    int64
	Category  string
	Kind      ReservationKind
}

// AuthorizeDebit is the single chokepoint for spends and cashouts. It
// atomically verifies capacity and places a provisional hold; on failure
// nothing is reserved. The hold carries a mandatory expiry.
func (s *Service) AuthorizeDebit(ctx context.Context, p AuthorizeParams) (*Reservation, error) {
	if p.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0", nil)
	}
	if p.Kind != ReserveSpend && p.Kind != ReserveCashout {
		return nil, errutil.BadRequest("unsupported reservation kind", nil)
	}

	var reservation *Reservation
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := s.accounts.WithTrx(tx).FindOne(ctx, &Account{ID: p.AccountID})
		if err != nil {
			return errutil.Internal("failed to load account", err)
		}
		if account == nil {
			return errutil.NotFound("account not found", ErrNotFound)
		}
		if account.Status != AccountActive {
			return errutil.UnprocessableEntity("account is closed", ErrInvalidTransition)
		}

		// Category accounting only applies to controlled-mode spends;
		// direct mode and cashouts bypass the limiter entirely.
		category := ""
		if p.Kind == ReserveSpend && account.SpendingMode == ModeControlled {
			if p.Category == "" {
				return errutil.BadRequest("category is required for controlled spending", nil)
			}
			category = p.Category
		}

		res := tx.Model(&Account{}).
			Where("id = ? AND status = ?", p.AccountID, AccountActive).
			Where("allocated_total - spent_total - cashed_out_total - reserved_total >= ?", p.Amount).
			Updates(map[string]any{
				"reserved_total": gorm.Expr("reserved_total + ?", p.Amount),
				"updated_at":     time.Now(),
			})
		if res.Error != nil {
			return errutil.Internal("failed to reserve funds", res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.UnprocessableEntity("insufficient balance", ErrInsufficientBalance)
		}

		if category != "" {
			if err := s.checkAndReserve(ctx, tx, p.AccountID, category, p.Amount); err != nil {
				return err
			}
		}

		now := time.Now()
		reservation = &Reservation{
			ID:        s.node.Generate().String(),
			AccountID: p.AccountID,
			Category:  category,
			Amount:    p.Amount,
			Kind:      p.Kind,
			Status:    ReservationHeld,
			ExpiresAt: now.Add(s.reservationTTL),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.reservations.WithTrx(tx).Create(ctx, reservation); err != nil {
			return errutil.Internal("failed to persist reservation", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return reservation, nil
}

type CommitParams struct {
	ReservationID  string
	CounterpartyID string
	ReferenceID    string
}

// Commit finalizes a held reservation into a permanent ledger entry,
// exactly once. The reservation transition, the total updates and the
// entry append happen in one database transaction: there is no
// partial-commit state.
func (s *Service) Commit(ctx context.Context, p CommitParams) (*transaction.Entry, error) {
	var entry *transaction.Entry
	err := s.db.Transaction(func(tx *gorm.DB) error {
		reservation, err := s.reservations.WithTrx(tx).FindOne(ctx, &Reservation{ID: p.ReservationID})
		if err != nil {
			return errutil.Internal("failed to load reservation", err)
		}
		if reservation == nil {
			return errutil.NotFound("reservation not found", ErrNotFound)
		}

		now := time.Now()
		res := tx.Model(&Reservation{}).
			Where("id = ? AND status = ? AND expires_at > ?", p.ReservationID, ReservationHeld, now).
			Updates(map[string]any{
				"status":     ReservationCommitted,
				"updated_at": now,
			})
		if res.Error != nil {
			return errutil.Internal("failed to commit reservation", res.Error)
		}
		if res.RowsAffected == 0 {
			// The pre-loaded row may be stale when a concurrent commit or
			// release won the race; classify on a fresh read.
			current, err := s.reservations.WithTrx(tx).FindOne(ctx, &Reservation{ID: p.ReservationID})
			if err != nil {
				return errutil.Internal("failed to reload reservation", err)
			}
			if current != nil {
				if current.Status == ReservationExpired ||
					(current.Status == ReservationHeld && !current.ExpiresAt.After(now)) {
					return errutil.UnprocessableEntity("reservation has expired", ErrReservationExpired)
				}
			}
			return errutil.Conflict("reservation already settled", ErrInvalidTransition)
		}

		totals := map[string]any{
			"reserved_total": gorm.Expr("reserved_total - ?", reservation.Amount),
			"updated_at":     now,
		}
		switch reservation.Kind {
		case ReserveSpend:
			totals["spent_total"] = gorm.Expr("spent_total + ?", reservation.Amount)
		case ReserveCashout:
			totals["cashed_out_total"] = gorm.Expr("cashed_out_total + ?", reservation.Amount)
		}
		if err := tx.Model(&Account{}).Where("id = ?", reservation.AccountID).Updates(totals).Error; err != nil {
			return errutil.Internal("failed to update account totals", err)
		}

		if reservation.Category != "" {
			if err := s.commitReserved(ctx, tx, reservation.AccountID, reservation.Category, reservation.Amount); err != nil {
				return err
			}
		}

		kind := transaction.KindSpend
		if reservation.Kind == ReserveCashout {
			kind = transaction.KindCashout
		}

		entry = &transaction.Entry{
			ID:             s.node.Generate().String(),
			AccountID:      reservation.AccountID,
			Kind:           kind,
			Amount:         reservation.Amount,
			Category:       reservation.Category,
			CounterpartyID: p.CounterpartyID,
			ReferenceID:    p.ReferenceID,
			CreatedAt:      now,
		}
		if _, err := s.store.WithTrx(tx).Record(ctx, entry); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// Release cancels a held reservation and restores the reserved capacity.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.releaseTx(ctx, tx, reservationID, ReservationReleased)
	})
}

// ReleaseExpired sweeps reservations whose expiry has passed and restores
// their capacity. Returns the number of reservations released.
func (s *Service) ReleaseExpired(ctx context.Context) (int, error) {
	expired, err := s.reservations.Find(ctx, &Reservation{Status: ReservationHeld},
		option.ApplyOperator(option.Condition{
			Field:    "expires_at",
			Operator: option.LTE,
			Value:    time.Now(),
		}))
	if err != nil {
		return 0, errutil.Internal("failed to scan expired reservations", err)
	}

	released := 0
	for _, r := range expired {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			return s.releaseTx(ctx, tx, r.ID, ReservationExpired)
		})
		if err != nil {
			// Lost the race with a concurrent commit/release; skip.
			continue
		}
		released++
	}

	if released > 0 {
		zap.L().With(s.logFields(ctx)...).Info("released expired reservations", zap.Int("count", released))
	}

	return released, nil
}

func (s *Service) releaseTx(ctx context.Context, tx *gorm.DB, reservationID string, to ReservationStatus) error {
	reservation, err := s.reservations.WithTrx(tx).FindOne(ctx, &Reservation{ID: reservationID})
	if err != nil {
		return errutil.Internal("failed to load reservation", err)
	}
	if reservation == nil {
		return errutil.NotFound("reservation not found", ErrNotFound)
	}

	now := time.Now()
	res := tx.Model(&Reservation{}).
		Where("id = ? AND status = ?", reservationID, ReservationHeld).
		Updates(map[string]any{
			"status":     to,
			"updated_at": now,
		})
	if res.Error != nil {
		return errutil.Internal("failed to release reservation", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("reservation already settled", ErrInvalidTransition)
	}

	if err := tx.Model(&Account{}).Where("id = ?", reservation.AccountID).Updates(map[string]any{
		"reserved_total": gorm.Expr("reserved_total - ?", reservation.Amount),
		"updated_at":     now,
	}).Error; err != nil {
		return errutil.Internal("failed to restore account capacity", err)
	}

	if reservation.Category != "" {
		if err := s.releaseReserved(ctx, tx, reservation.AccountID, reservation.Category, reservation.Amount); err != nil {
			return err
		}
	}

	return nil
}

// GetAccount returns the account with its category budgets. Lock-free; the
// totals may be momentarily stale, authorization always re-validates.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*Account, []*CategoryBudget, error) {
	account, err := s.accounts.FindOne(ctx, &Account{ID: accountID})
	if err != nil {
		return nil, nil, errutil.Internal("failed to load account", err)
	}
	if account == nil {
		return nil, nil, errutil.NotFound("account not found", ErrNotFound)
	}

	budgets, err := s.budgets.Find(ctx, &CategoryBudget{AccountID: accountID})
	if err != nil {
		return nil, nil, errutil.Internal("failed to load category budgets", err)
	}

	return account, budgets, nil
}

// GetReservation returns a reservation by id.
func (s *Service) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	reservation, err := s.reservations.FindOne(ctx, &Reservation{ID: reservationID})
	if err != nil {
		return nil, errutil.Internal("failed to load reservation", err)
	}
	if reservation == nil {
		return nil, errutil.NotFound("reservation not found", ErrNotFound)
	}
	return reservation, nil
}

// Close soft-closes an account. Accounts are never deleted; a closed
// account refuses further top-ups and debits but keeps its history.
func (s *Service) Close(ctx context.Context, accountID string) (*Account, error) {
	res := s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ? AND status = ?", accountID, AccountActive).
		Updates(map[string]any{
			"status":     AccountClosed,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, errutil.Internal("failed to close account", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, s.explainAccountMiss(ctx, nil, accountID)
	}

	account, err := s.accounts.FindOne(ctx, &Account{ID: accountID})
	if err != nil {
		return nil, errutil.Internal("failed to reload account", err)
	}
	return account, nil
}

// Reconcile checks the cached totals of an account against the fold of its
// transaction history.
func (s *Service) Reconcile(ctx context.Context, accountID string) (bool, error) {
	account, _, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}

	return s.store.Reconcile(ctx, accountID, transaction.Balance{
		Allocated: account.AllocatedTotal,
		Spent:     account.SpentTotal,
		CashedOut: account.CashedOutTotal,
	})
}

func (s *Service) explainAccountMiss(ctx context.Context, tx *gorm.DB, accountID string) error {
	repo := s.accounts
	if tx != nil {
		repo = s.accounts.WithTrx(tx)
	}
	account, err := repo.FindOne(ctx, &Account{ID: accountID})
	if err != nil {
		return errutil.Internal("failed to load account", err)
	}
	if account == nil {
		return errutil.NotFound("account not found", ErrNotFound)
	}
	return errutil.UnprocessableEntity("account is closed", ErrInvalidTransition)
}
