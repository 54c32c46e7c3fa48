package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateGenerationJob OutboxAggregateType = "generation_job"
	AggregateMediaAsset    OutboxAggregateType = "media_asset"
	AggregateCreditEntry   OutboxAggregateType = "credit_entry"
)

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventMediaAssetSaved   OutboxEventType = "media_asset_saved"
	EventMediaAssetDeleted OutboxEventType = "media_asset_deleted"
	EventGenerationFailed  OutboxEventType = "generation_failed"
	EventCreditsRefunded   OutboxEventType = "credits_refunded"
)

// eventAggregates pins every event type to the aggregate it describes.
var eventAggregates = map[OutboxEventType]OutboxAggregateType{
	EventMediaAssetSaved:   AggregateMediaAsset,
	EventMediaAssetDeleted: AggregateMediaAsset,
	EventGenerationFailed:  AggregateGenerationJob,
	EventCreditsRefunded:   AggregateCreditEntry,
}

func (a OutboxAggregateType) IsValid() bool {
	for _, agg := range eventAggregates {
		if agg == a {
			return true
		}
	}
	return false
}

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	if a := OutboxAggregateType(value); a.IsValid() {
		return a, nil
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

func (e OutboxEventType) IsValid() bool {
	_, ok := eventAggregates[e]
	return ok
}

// Aggregate returns the aggregate type e is emitted for, or "" when e is unknown.
func (e OutboxEventType) Aggregate() OutboxAggregateType {
	return eventAggregates[e]
}

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	if e := OutboxEventType(value); e.IsValid() {
		return e, nil
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// OutboxDLQErrorReason records why the relay gave up on an outbox row.
// Undecodable rows do not match their registered payload schema; a missing
// topic means this deployment has no publisher configured for the event.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonUndecodable OutboxDLQErrorReason = "undecodable_payload"
	OutboxDLQReasonNoTopic     OutboxDLQErrorReason = "topic_unconfigured"
	OutboxDLQReasonRejected    OutboxDLQErrorReason = "rejected_by_broker"
	OutboxDLQReasonMaxAttempts OutboxDLQErrorReason = "max_attempts"
)

// IsReplayable reports whether replaying the row can succeed once an
// operator fixes configuration or the broker recovers.
func (r OutboxDLQErrorReason) IsReplayable() bool {
	return r == OutboxDLQReasonNoTopic || r == OutboxDLQReasonMaxAttempts
}
