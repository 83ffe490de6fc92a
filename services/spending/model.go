package spending

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Request is a beneficiary's intent to spend at a merchant. Direct-mode
// requests are created already committed; controlled-mode requests hold a
// reservation while they await approval.
type Request struct {
	ID            string    `gorm:"column:id;primaryKey"`
	AccountID     string    `gorm:"column:account_id;index"`
	MerchantID    string    `gorm:"column:merchant_id"`
	Category      string    `gorm:"column:category"`
	Amount        int64     `gorm:"column:amount"`
	OrderID       string    `gorm:"column:order_id"`
	Status        Status    `gorm:"column:status;index"`
	ReservationID string    `gorm:"column:reservation_id"`
	TransactionID string    `gorm:"column:transaction_id"`
	Reason        string    `gorm:"column:reason"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName keeps spend requests apart from cashout requests, which would
// otherwise both land in gorm's default "requests" table.
func (Request) TableName() string { return "spending_requests" }
