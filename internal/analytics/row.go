package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"

	"github.com/stefna/stefna-backend/pkg/enums"
	"github.com/stefna/stefna-backend/pkg/outbox/payloads"
)

// Envelope is a decoded domain event as it arrives on the analytics subscription.
type Envelope struct {
	EventID       string
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	OccurredAt    time.Time
	Payload       json.RawMessage
}

// GenerationEventRow mirrors the generation_events BigQuery schema.
type GenerationEventRow struct {
	EventID       string              `bigquery:"event_id"`
	EventType     string              `bigquery:"event_type"`
	AggregateType string              `bigquery:"aggregate_type"`
	AggregateID   string              `bigquery:"aggregate_id"`
	OccurredAt    time.Time           `bigquery:"occurred_at"`
	UserID        bigquery.NullString `bigquery:"user_id"`
	JobID         bigquery.NullString `bigquery:"job_id"`
	RequestID     bigquery.NullString `bigquery:"request_id"`
	MediaType     bigquery.NullString `bigquery:"media_type"`
	Tier          bigquery.NullString `bigquery:"tier"`
	Reason        bigquery.NullString `bigquery:"reason"`
	CreditAmount  bigquery.NullInt64  `bigquery:"credit_amount"`
	Payload       bigquery.NullJSON   `bigquery:"payload"`
}

// Saver wraps the row so BigQuery deduplicates retried inserts on the event id.
func (r *GenerationEventRow) Saver() *bigquery.StructSaver {
	return &bigquery.StructSaver{Struct: r, InsertID: r.EventID}
}

var errEmptyPayload = errors.New("event payload is empty")

// BuildRow flattens a domain event into a generation_events row.
func BuildRow(env Envelope) (*GenerationEventRow, error) {
	if len(env.Payload) == 0 {
		return nil, errEmptyPayload
	}
	row := &GenerationEventRow{
		EventID:       env.EventID,
		EventType:     string(env.EventType),
		AggregateType: string(env.AggregateType),
		AggregateID:   env.AggregateID,
		OccurredAt:    env.OccurredAt.UTC(),
		Payload:       bigquery.NullJSON{JSONVal: string(env.Payload), Valid: true},
	}

	switch env.EventType {
	case enums.EventMediaAssetSaved:
		var evt payloads.MediaAssetSavedEvent
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		row.UserID = nullUUID(evt.UserID)
		row.JobID = nullString(evt.JobID)
		row.MediaType = nullString(evt.MediaType)
		row.Tier = nullString(evt.Tier)
	case enums.EventMediaAssetDeleted:
		var evt payloads.MediaAssetDeletedEvent
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		row.UserID = nullUUID(evt.UserID)
		row.JobID = nullString(evt.JobID)
		row.MediaType = nullString(evt.ResourceType)
	case enums.EventGenerationFailed:
		var evt payloads.GenerationFailedEvent
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		row.UserID = nullUUID(evt.UserID)
		row.JobID = nullString(evt.JobID)
		row.RequestID = nullString(evt.RequestID)
		row.Reason = nullString(evt.Reason)
	case enums.EventCreditsRefunded:
		var evt payloads.CreditsRefundedEvent
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		row.UserID = nullUUID(evt.UserID)
		row.RequestID = nullString(evt.RequestID)
		row.Reason = nullString(evt.Action)
		row.CreditAmount = bigquery.NullInt64{Int64: int64(evt.Amount), Valid: true}
	default:
		return nil, fmt.Errorf("unsupported event type %q", env.EventType)
	}
	return row, nil
}

func nullString(value string) bigquery.NullString {
	if value == "" {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: value, Valid: true}
}

func nullUUID(id uuid.UUID) bigquery.NullString {
	if id == uuid.Nil {
		return bigquery.NullString{}
	}
	return nullString(id.String())
}
