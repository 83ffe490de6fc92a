package application

import (
	"time"

	"gorm.io/datatypes"

	"relieffund-core/services/allocation"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Application is one relief request by a wallet-identified applicant
// against one campaign. Immutable once in a terminal state; approval
// produces exactly one allocation account.
type Application struct {
	ID            string                  `gorm:"column:id;primaryKey"`
	WalletAddress string                  `gorm:"column:wallet_address;index"`
	CampaignID    string                  `gorm:"column:campaign_id;index"`
	Justification string                  `gorm:"column:justification"`
	Documents     datatypes.JSON          `gorm:"column:documents"`
	SpendingMode  allocation.SpendingMode `gorm:"column:spending_mode"`
	Status        Status                  `gorm:"column:status"`
	Reason        string                  `gorm:"column:reason"`
	ReviewerID    string                  `gorm:"column:reviewer_id"`
	AccountID     string                  `gorm:"column:account_id"`
	CreatedAt     time.Time               `gorm:"column:created_at"`
	UpdatedAt     time.Time               `gorm:"column:updated_at"`
	ProcessedAt   *time.Time              `gorm:"column:processed_at"`
}
