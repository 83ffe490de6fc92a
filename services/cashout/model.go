package cashout

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request is one attempt to convert allocated funds into an external
// payout. The reference code is the idempotency key quoted to the
// settlement partner; it is unique across all cashouts ever issued.
type Request struct {
	ID            string         `gorm:"column:id;primaryKey"`
	AccountID     string         `gorm:"column:account_id;index"`
	Amount        int64          `gorm:"column:amount"`
	Destination   datatypes.JSON `gorm:"column:destination"`
	Status        Status         `gorm:"column:status;index"`
	ReferenceCode string         `gorm:"column:reference_code;uniqueIndex"`
	ReservationID string         `gorm:"column:reservation_id"`
	TransactionID string         `gorm:"column:transaction_id"`
	CorrelationID string         `gorm:"column:correlation_id"`
	FailureReason string         `gorm:"column:failure_reason"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

// TableName keeps cashout requests apart from spend requests, which would
// otherwise both land in gorm's default "requests" table.
func (Request) TableName() string { return "cashout_requests" }
