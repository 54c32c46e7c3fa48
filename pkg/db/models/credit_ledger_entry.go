package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/stefna/stefna-backend/pkg/enums"
)

// CreditLedgerEntry records one credit movement. Amount is signed: spends and
// reservations are negative, grants positive.
type CreditLedgerEntry struct {
	ID          uuid.UUID               `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID               `gorm:"column:user_id;type:uuid;not null;uniqueIndex:ux_credits_ledger_user_request" json:"user_id"`
	RequestID   string                  `gorm:"column:request_id;not null;uniqueIndex:ux_credits_ledger_user_request" json:"request_id"`
	Action      string                  `gorm:"column:action;not null" json:"action"`
	Amount      int                     `gorm:"column:amount;not null" json:"amount"`
	Status      enums.CreditEntryStatus `gorm:"column:status;type:credit_entry_status;not null" json:"status"`
	CreatedAt   time.Time               `gorm:"column:created_at" json:"created_at"`
	FinalizedAt *time.Time              `gorm:"column:finalized_at" json:"finalized_at,omitempty"`
}

func (CreditLedgerEntry) TableName() string {
	return "credits_ledger"
}
