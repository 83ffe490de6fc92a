package transaction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Entry kinds. Every fund movement on an allocation account is one of these.
const (
	KindTopUp   = "allocation_topup"
	KindSpend   = "spend"
	KindCashout = "cashout"
)

// Entry is an immutable ledger record. Entries for one account form a hash
// chain: each entry commits to the previous entry's hash.
type Entry struct {
	ID             string         `gorm:"column:id;primaryKey"`
	AccountID      string         `gorm:"column:account_id;index:idx_entries_account_created"`
	Kind           string         `gorm:"column:kind"`
	Amount         int64          `gorm:"column:amount"`
	Category       string         `gorm:"column:category"`
	CounterpartyID string         `gorm:"column:counterparty_id"`
	ReferenceID    string         `gorm:"column:reference_id"`
	PreviousHash   string         `gorm:"column:previous_hash"`
	Hash           string         `gorm:"column:hash"`
	Metadata       datatypes.JSON `gorm:"column:metadata"`
	CreatedAt      time.Time      `gorm:"column:created_at;index:idx_entries_account_created"`
}

func (e *Entry) HashFields() map[string]string {
	return map[string]string{
		"id":              e.ID,
		"account_id":      e.AccountID,
		"kind":            e.Kind,
		"amount":          fmt.Sprintf("%d", e.Amount),
		"category":        e.Category,
		"counterparty_id": e.CounterpartyID,
		"reference_id":    e.ReferenceID,
		"created_at":      e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":   e.PreviousHash,
	}
}

func (e *Entry) GenerateHash() string {
	fields := e.HashFields()
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}

// Balance is the fold of an account's entries.
type Balance struct {
	Allocated int64 `json:"allocated"`
	Spent     int64 `json:"spent"`
	CashedOut int64 `json:"cashed_out"`
}
