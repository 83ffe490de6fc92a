package allocation

import (
	"context"
	"time"

	"gorm.io/gorm"

	"relieffund-core/pkg/errutil"
)

// Category limiter: per-category sub-budget accounting for controlled-mode
// accounts. Only the ledger's reserve/commit/release paths call into these
// helpers, always inside the ledger's own database transaction, so the
// account-level and category-level holds settle atomically together.

// applyCategoryLimits replaces the account's budget limits during a top-up.
// Limits are absolute amounts; their sum may not exceed the allocation and
// no limit may fall below what its category has already consumed or holds.
func (s *Service) applyCategoryLimits(ctx context.Context, tx *gorm.DB, account *Account, limits map[string]int64) error {
	if account.SpendingMode != ModeControlled {
		return errutil.BadRequest("category limits require a controlled-mode account", nil)
	}

	budgetRepo := s.budgets.WithTrx(tx)
	now := time.Now()

	for category, limit := range limits {
		if category == "" || limit < 0 {
			return errutil.ValidationFailed("invalid category limit", nil,
				errutil.WithDetails(errutil.Detail{Field: "category_limits", Message: category}))
		}

		budget, err := budgetRepo.FindOne(ctx, &CategoryBudget{AccountID: account.ID, Category: category})
		if err != nil {
			return errutil.Internal("failed to load category budget", err)
		}

		if budget == nil {
			budget = &CategoryBudget{
				ID:          s.node.Generate().String(),
				AccountID:   account.ID,
				Category:    category,
				LimitAmount: limit,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := budgetRepo.Create(ctx, budget); err != nil {
				return errutil.Internal("failed to create category budget", err)
			}
			continue
		}

		if limit < budget.SpentAmount+budget.ReservedAmount {
			return errutil.UnprocessableEntity("category limit below already committed spending", ErrCategoryLimitExceedsAllocation)
		}
		if err := budgetRepo.Update(ctx, budget.ID, map[string]any{
			"limit_amount": limit,
			"updated_at":   now,
		}); err != nil {
			return errutil.Internal("failed to update category budget", err)
		}
	}

	var total int64
	row := tx.Model(&CategoryBudget{}).
		Select("COALESCE(SUM(limit_amount), 0)").
		Where("account_id = ?", account.ID).
		Row()
	if err := row.Scan(&total); err != nil {
		return errutil.Internal("failed to sum category limits", err)
	}

	if total > account.AllocatedTotal {
		return errutil.UnprocessableEntity("category limits exceed allocation", ErrCategoryLimitExceedsAllocation)
	}

	return nil
}

// checkAndReserve places a hold against a single category's sub-budget,
// mirroring the account-level reservation. The guard is re-checked inside
// the UPDATE so two concurrent holds cannot both pass.
func (s *Service) checkAndReserve(ctx context.Context, tx *gorm.DB, accountID, category string, amount int64) error {
	res := tx.Model(&CategoryBudget{}).
		Where("account_id = ? AND category = ?", accountID, category).
		Where("limit_amount - spent_amount - reserved_amount >= ?", amount).
		Updates(map[string]any{
			"reserved_amount": gorm.Expr("reserved_amount + ?", amount),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return errutil.Internal("failed to reserve category budget", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.UnprocessableEntity("insufficient balance for this category", ErrCategoryLimitExceeded)
	}
	return nil
}

// commitReserved moves a category hold into spent.
func (s *Service) commitReserved(ctx context.Context, tx *gorm.DB, accountID, category string, amount int64) error {
	err := tx.Model(&CategoryBudget{}).
		Where("account_id = ? AND category = ?", accountID, category).
		Updates(map[string]any{
			"reserved_amount": gorm.Expr("reserved_amount - ?", amount),
			"spent_amount":    gorm.Expr("spent_amount + ?", amount),
			"updated_at":      time.Now(),
		}).Error
	if err != nil {
		return errutil.Internal("failed to commit category budget", err)
	}
	return nil
}

// releaseReserved returns a category hold to the sub-budget's capacity.
func (s *Service) releaseReserved(ctx context.Context, tx *gorm.DB, accountID, category string, amount int64) error {
	err := tx.Model(&CategoryBudget{}).
		Where("account_id = ? AND category = ?", accountID, category).
		Updates(map[string]any{
			"reserved_amount": gorm.Expr("reserved_amount - ?", amount),
			"updated_at":      time.Now(),
		}).Error
	if err != nil {
		return errutil.Internal("failed to release category budget", err)
	}
	return nil
}
