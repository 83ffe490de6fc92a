package allocation

import (
	"time"
)

type SpendingMode string

const (
	// ModeDirect authorizes and commits spends in one step, with no
	// category accounting.
	ModeDirect SpendingMode = "direct"
	// ModeControlled requires per-category sub-budgets and an approval
	// step between reservation and commit.
	ModeControlled SpendingMode = "controlled"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountClosed AccountStatus = "closed"
)

// Account is the per-(beneficiary, campaign) allocation account. Cached
// totals are mutated only through the ledger's reserve/commit/release
// primitives; the transaction store is the source of truth.
//
// Invariant: spent_total + cashed_out_total + reserved_total <= allocated_total.
type Account struct {
	ID             string        `gorm:"column:id;primaryKey"`
	BeneficiaryID  string        `gorm:"column:beneficiary_id;index"`
	CampaignID     string        `gorm:"column:campaign_id;index"`
	SpendingMode   SpendingMode  `gorm:"column:spending_mode"`
	Status         AccountStatus `gorm:"column:status"`
	AllocatedTotal int64         `gorm:"column:allocated_total"`
	SpentTotal     int64         `gorm:"column:spent_total"`
	CashedOutTotal int64         `gorm:"column:cashed_out_total"`
	ReservedTotal  int64         `gorm:"column:reserved_total"`
	CreatedAt      time.Time     `gorm:"column:created_at"`
	UpdatedAt      time.Time     `gorm:"column:updated_at"`
}

func (a *Account) Available() int64 {
	return a.AllocatedTotal - a.SpentTotal - a.CashedOutTotal - a.ReservedTotal
}

// CategoryBudget is a sub-budget within a controlled-mode account.
// Invariant: spent_amount + reserved_amount <= limit_amount.
type CategoryBudget struct {
	ID             string    `gorm:"column:id;primaryKey"`
	AccountID      string    `gorm:"column:account_id;uniqueIndex:idx_budget_account_category"`
	Category       string    `gorm:"column:category;uniqueIndex:idx_budget_account_category"`
	LimitAmount    int64     `gorm:"column:limit_amount"`
	SpentAmount    int64     `gorm:"column:spent_amount"`
	ReservedAmount int64     `gorm:"column:reserved_amount"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (b *CategoryBudget) Available() int64 {
	return b.LimitAmount - b.SpentAmount - b.ReservedAmount
}

type ReservationKind string

const (
	ReserveSpend   ReservationKind = "spend"
	ReserveCashout ReservationKind = "cashout"
)

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a provisional hold on account capacity. It must be
// committed or released exactly once; the background sweep expires holds
// that never settle.
type Reservation struct {
	ID        string            `gorm:"column:id;primaryKey"`
	AccountID string            `gorm:"column:account_id;index"`
	Category  string            `gorm:"column:category"`
	Amount    int64             `gorm:"column:amount"`
	Kind      ReservationKind   `gorm:"column:kind"`
	Status    ReservationStatus `gorm:"column:status;index"`
	ExpiresAt time.Time         `gorm:"column:expires_at"`
	CreatedAt time.Time         `gorm:"column:created_at"`
	UpdatedAt time.Time         `gorm:"column:updated_at"`
}
