package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/stefna/stefna-backend/pkg/enums"
)

// GenerationJob tracks one vendor-side asynchronous generation.
type GenerationJob struct {
	ID           uuid.UUID              `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	JobID        string                 `gorm:"column:job_id;not null;uniqueIndex" json:"job_id"`
	UserID       uuid.UUID              `gorm:"column:user_id;type:uuid;not null;uniqueIndex:ux_generation_jobs_user_request" json:"user_id"`
	RequestID    string                 `gorm:"column:request_id;not null;uniqueIndex:ux_generation_jobs_user_request" json:"request_id"`
	Model        string                 `gorm:"column:model;not null" json:"model"`
	Vendor       string                 `gorm:"column:vendor;not null" json:"vendor"`
	Tier         enums.GenerationTier   `gorm:"column:tier;not null" json:"tier"`
	SourceURL    string                 `gorm:"column:source_url;not null" json:"source_url"`
	SubmittedURL string                 `gorm:"column:submitted_url;not null" json:"submitted_url"`
	Prompt       string                 `gorm:"column:prompt" json:"prompt"`
	FPS          int                    `gorm:"column:fps;not null" json:"fps"`
	Duration     int                    `gorm:"column:duration;not null" json:"duration"`
	Cost         int                    `gorm:"column:cost;not null" json:"cost"`
	Status       enums.GenerationStatus `gorm:"column:status;type:generation_status;not null" json:"status"`
	ResultURL    *string                `gorm:"column:result_url" json:"result_url,omitempty"`
	ErrorMessage *string                `gorm:"column:error_message" json:"error_message,omitempty"`
	PersistError *string                `gorm:"column:persist_error" json:"persist_error,omitempty"`
	AssetID      *uuid.UUID             `gorm:"column:asset_id;type:uuid" json:"asset_id,omitempty"`
	CreatedAt    time.Time              `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time              `gorm:"column:updated_at" json:"updated_at"`
	CompletedAt  *time.Time             `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (GenerationJob) TableName() string {
	return "generation_jobs"
}
