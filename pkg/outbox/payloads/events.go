package payloads

import (
	"github.com/google/uuid"
)

// MediaAssetSavedEvent is emitted once a generated result is stored on the CDN.
type MediaAssetSavedEvent struct {
	AssetID   uuid.UUID `json:"asset_id"`
	UserID    uuid.UUID `json:"user_id"`
	JobID     string    `json:"job_id"`
	FinalURL  string    `json:"final_url"`
	MediaType string    `json:"media_type"`
	Tier      string    `json:"tier,omitempty"`
}

// MediaAssetDeletedEvent is emitted when a user removes an asset from their
// library. Consumers destroy the CDN object.
type MediaAssetDeletedEvent struct {
	AssetID      uuid.UUID `json:"asset_id"`
	UserID       uuid.UUID `json:"user_id"`
	JobID        string    `json:"job_id"`
	PublicID     string    `json:"public_id"`
	ResourceType string    `json:"resource_type"`
}

// GenerationFailedEvent is emitted when a vendor job reaches the failed state.
type GenerationFailedEvent struct {
	GenerationID uuid.UUID `json:"generation_id"`
	UserID       uuid.UUID `json:"user_id"`
	JobID        string    `json:"job_id"`
	RequestID    string    `json:"request_id"`
	Reason       string    `json:"reason,omitempty"`
}

// CreditsRefundedEvent is emitted when a reservation is returned to the balance.
type CreditsRefundedEvent struct {
	EntryID   uuid.UUID `json:"entry_id"`
	UserID    uuid.UUID `json:"user_id"`
	RequestID string    `json:"request_id"`
	Action    string    `json:"action"`
	Amount    int       `json:"amount"`
}
