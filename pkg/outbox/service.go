package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	"github.com/stefna/stefna-backend/pkg/logger"
)

// DomainEvent is a state change to record alongside the write that caused it.
// AggregateType may be left empty; it is implied by EventType.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

// Service queues domain events in outbox_events for the relay to publish.
type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Emit inserts event within tx, so it commits or rolls back with the caller's
// change. The outbox row id doubles as the envelope event id.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errors.New("outbox emit: transaction required")
	}
	if err := event.normalize(s.now); err != nil {
		return fmt.Errorf("outbox emit: %w", err)
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("outbox emit %s: encode data: %w", event.EventType, err)
	}

	eventID := uuid.New()
	envelope, err := json.Marshal(PayloadEnvelope{
		Version:    event.Version,
		EventID:    eventID.String(),
		OccurredAt: event.OccurredAt,
		Actor:      event.Actor,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("outbox emit %s: encode envelope: %w", event.EventType, err)
	}
	if err := s.repo.Insert(tx, models.OutboxEvent{
		ID:            eventID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       envelope,
		CreatedAt:     event.OccurredAt,
	}); err != nil {
		return fmt.Errorf("outbox emit %s: %w", event.EventType, err)
	}

	if s.logg != nil {
		s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
			"event_id":       eventID.String(),
			"event_type":     event.EventType,
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID.String(),
		}), "outbox event queued")
	}
	return nil
}

func (e *DomainEvent) normalize(now func() time.Time) error {
	want := e.EventType.Aggregate()
	switch {
	case want == "":
		return fmt.Errorf("unsupported event type %q", e.EventType)
	case e.AggregateType == "":
		e.AggregateType = want
	case e.AggregateType != want:
		return fmt.Errorf("%s belongs to %s, not %s", e.EventType, want, e.AggregateType)
	}
	if e.AggregateID == uuid.Nil {
		return fmt.Errorf("%s: aggregate id required", e.EventType)
	}
	if e.Data == nil {
		return fmt.Errorf("%s: data required", e.EventType)
	}
	if e.Version <= 0 {
		e.Version = 1
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return nil
}
