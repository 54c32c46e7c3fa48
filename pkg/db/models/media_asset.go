package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/stefna/stefna-backend/pkg/enums"
)

// MediaAsset is a persisted generation output. JobID is unique so repeated
// persistence of the same job resolves to the same row.
type MediaAsset struct {
	ID         uuid.UUID         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID     uuid.UUID         `gorm:"column:user_id;type:uuid;not null" json:"user_id"`
	JobID      string            `gorm:"column:job_id;not null;uniqueIndex" json:"job_id"`
	FinalURL   string            `gorm:"column:final_url;not null" json:"final_url"`
	PublicID   string            `gorm:"column:public_id" json:"public_id"`
	MediaType  enums.MediaType   `gorm:"column:media_type;type:media_type;not null" json:"media_type"`
	Status     enums.MediaStatus `gorm:"column:status;type:media_status;not null" json:"status"`
	IsPublic   bool              `gorm:"column:is_public;not null;default:false" json:"is_public"`
	AllowRemix bool              `gorm:"column:allow_remix;not null;default:false" json:"allow_remix"`
	PresetKey  *string           `gorm:"column:preset_key" json:"preset_key,omitempty"`
	Prompt     string            `gorm:"column:prompt" json:"prompt"`
	Meta       datatypes.JSON    `gorm:"column:meta;type:jsonb" json:"meta"`
	CreatedAt  time.Time         `gorm:"column:created_at" json:"created_at"`
}

func (MediaAsset) TableName() string {
	return "media_assets"
}
