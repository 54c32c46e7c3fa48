package models

import (
	"time"

	"github.com/google/uuid"
)

// UserCredits is the materialized balance per user. Only the credits ledger mutates it.
type UserCredits struct {
	UserID    uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey" json:"user_id"`
	Balance   int       `gorm:"column:balance;not null;default:0" json:"balance"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (UserCredits) TableName() string {
	return "user_credits"
}
