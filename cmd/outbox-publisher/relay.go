package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/outbox/payloads"
	"github.com/stefna/stefna-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultMaxAttempts    = 10
	publishTimeout        = 15 * time.Second
	maxIdleBackoff        = 10 * time.Second
	backoffJitter         = 250 * time.Millisecond
	attributeTimeLayout   = time.RFC3339Nano
	attributeSchemaPrefix = "v"
)

type txRunner interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type topicSource interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type deadLetterStore interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type eventResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// topicPublisher is the slice of *gcppubsub.Publisher the relay needs.
type topicPublisher interface {
	Publish(ctx context.Context, msg *gcppubsub.Message) (string, error)
	Stop()
}

// RelayParams wires the relay. Publishers defaults to the Pub/Sub client's
// publisher for the topic.
type RelayParams struct {
	Outbox      config.OutboxConfig
	Logger      *logger.Logger
	DB          txRunner
	Topics      topicSource
	Events      outboxStore
	DeadLetters deadLetterStore
	Registry    eventResolver
	Publishers  func(topic string) topicPublisher
	Now         func() time.Time
}

// Relay drains outbox_events into the domain topic. Rows are settled in the
// same transaction that locked them, so a crash replays at most one batch.
type Relay struct {
	logg         *logger.Logger
	db           txRunner
	topics       topicSource
	events       outboxStore
	deadLetters  deadLetterStore
	registry     eventResolver
	newPublisher func(topic string) topicPublisher
	now          func() time.Time
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration

	mu         sync.Mutex
	publishers map[string]topicPublisher
}

func NewRelay(params RelayParams) (*Relay, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.Topics == nil:
		return nil, errors.New("pubsub client is required")
	case params.Events == nil:
		return nil, errors.New("outbox repository is required")
	case params.DeadLetters == nil:
		return nil, errors.New("dlq repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	}

	r := &Relay{
		logg:         params.Logger,
		db:           params.DB,
		topics:       params.Topics,
		events:       params.Events,
		deadLetters:  params.DeadLetters,
		registry:     params.Registry,
		newPublisher: params.Publishers,
		now:          params.Now,
		batchSize:    params.Outbox.BatchSize,
		maxAttempts:  params.Outbox.MaxAttempts,
		pollInterval: time.Duration(params.Outbox.PollIntervalMS) * time.Millisecond,
		publishers:   map[string]topicPublisher{},
	}
	if r.newPublisher == nil {
		r.newPublisher = r.gcpPublisher
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	return r, nil
}

// Run relays until ctx is canceled. Empty polls wait pollInterval; failed
// batches back off exponentially up to maxIdleBackoff.
func (r *Relay) Run(ctx context.Context) error {
	if err := multierr.Combine(
		wrapPing("database", r.db.Ping(ctx)),
		wrapPing("pubsub", r.topics.Ping(ctx)),
	); err != nil {
		r.logg.Error(ctx, "outbox relay dependencies not ready", err)
		return err
	}
	defer r.stopPublishers()

	backoff := r.failureBackoff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		relayed, err := r.drain(ctx)
		wait := r.pollInterval
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox relay batch failed", err)
			wait, _ = backoff.Next()
		case relayed > 0:
			backoff = r.failureBackoff()
			continue
		default:
			backoff = r.failureBackoff()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logg.Info(ctx, "outbox relay stopping")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Relay) failureBackoff() retry.Backoff {
	b := retry.NewExponential(r.pollInterval)
	b = retry.WithCappedDuration(maxIdleBackoff, b)
	return retry.WithJitter(backoffJitter, b)
}

func wrapPing(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s ping failed: %w", name, err)
}

// drain locks one batch and settles every row in it. It returns how many
// rows were seen so Run can skip the idle wait while a backlog remains.
func (r *Relay) drain(ctx context.Context) (int, error) {
	seen := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := r.events.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("fetch outbox batch: %w", err)
		}
		seen = len(rows)
		for _, row := range rows {
			if err := r.relayRow(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	return seen, err
}

func (r *Relay) relayRow(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) error {
	resolved, err := r.registry.Resolve(row)
	if err != nil {
		return r.deadLetter(ctx, tx, row, enums.OutboxDLQReasonUndecodable, err)
	}

	msg := buildMessage(row, resolved)
	topic := resolved.Descriptor.Topic
	logCtx := r.logg.WithFields(ctx, map[string]any{
		"outbox_id":     row.ID.String(),
		"event_id":      msg.Attributes["event_id"],
		"event_type":    string(row.EventType),
		"topic":         topic,
		"user_id":       msg.Attributes["user_id"],
		"job_id":        msg.Attributes["job_id"],
		"attempt_count": row.AttemptCount,
	})

	pub := r.publisherFor(topic)
	if pub == nil {
		return r.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonNoTopic, fmt.Errorf("no publisher for topic %q", topic))
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	serverID, err := pub.Publish(publishCtx, msg)
	cancel()

	switch {
	case err == nil:
		if err := r.events.MarkPublishedTx(tx, row.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", row.ID, err)
		}
		r.logg.Info(r.logg.WithField(logCtx, "message_id", serverID), "outbox event relayed")
		return nil
	case isMissingTopic(err):
		return r.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonNoTopic, err)
	case isRejected(err):
		return r.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonRejected, err)
	case row.AttemptCount+1 >= r.maxAttempts:
		return r.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonMaxAttempts,
			fmt.Errorf("gave up after %d attempts: %w", row.AttemptCount+1, err))
	}

	r.logg.Warn(r.logg.WithField(logCtx, "error", err.Error()), "outbox publish failed, will retry")
	if markErr := r.events.MarkFailedTx(tx, row.ID, err); markErr != nil {
		return fmt.Errorf("mark failed %s: %w", row.ID, markErr)
	}
	return nil
}

// deadLetter copies the row into outbox_dlq and stops further attempts.
func (r *Relay) deadLetter(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       row.ID,
		EventType:     row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Payload:       row.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  row.AttemptCount,
		FailedAt:      r.now(),
	}
	if err := r.deadLetters.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", row.ID, err)
	}
	if err := r.events.MarkTerminalTx(tx, row.ID, cause, r.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", row.ID, err)
	}
	r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
		"outbox_id":    row.ID.String(),
		"error_reason": string(reason),
		"replayable":   reason.IsReplayable(),
		"error":        msg,
	}), "outbox event dead-lettered")
	return nil
}

func (r *Relay) publisherFor(topic string) topicPublisher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pub, ok := r.publishers[topic]; ok {
		return pub
	}
	pub := r.newPublisher(topic)
	if pub != nil {
		r.publishers[topic] = pub
	}
	return pub
}

func (r *Relay) stopPublishers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, pub := range r.publishers {
		pub.Stop()
		delete(r.publishers, topic)
	}
}

func (r *Relay) gcpPublisher(topic string) topicPublisher {
	pub := r.topics.Publisher(topic)
	if pub == nil {
		return nil
	}
	return gcpPublisher{pub}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) (string, error) {
	return p.Publisher.Publish(ctx, msg).Get(ctx)
}

// buildMessage forwards the stored envelope untouched. Attributes carry the
// routing keys subscribers filter on so they never decode to route.
func buildMessage(row models.OutboxEvent, resolved *registry.ResolvedEvent) *gcppubsub.Message {
	eventID := resolved.Envelope.EventID
	if eventID == "" {
		eventID = row.ID.String()
	}
	attrs := map[string]string{
		"event_id":       eventID,
		"event_type":     string(row.EventType),
		"aggregate_type": string(row.AggregateType),
		"aggregate_id":   row.AggregateID.String(),
		"created_at":     row.CreatedAt.UTC().Format(attributeTimeLayout),
	}
	if resolved.Envelope.Version > 0 {
		attrs["schema"] = attributeSchemaPrefix + strconv.Itoa(resolved.Envelope.Version)
	}
	for key, value := range payloadAttributes(resolved.Payload) {
		attrs[key] = value
	}
	return &gcppubsub.Message{Data: row.Payload, Attributes: attrs}
}

func payloadAttributes(payload any) map[string]string {
	attrs := map[string]string{}
	put := func(key, value string) {
		if value != "" && value != uuid.Nil.String() {
			attrs[key] = value
		}
	}
	switch p := payload.(type) {
	case *payloads.MediaAssetSavedEvent:
		put("user_id", p.UserID.String())
		put("job_id", p.JobID)
		put("media_type", p.MediaType)
		put("tier", p.Tier)
	case *payloads.MediaAssetDeletedEvent:
		put("user_id", p.UserID.String())
		put("job_id", p.JobID)
		put("resource_type", p.ResourceType)
	case *payloads.GenerationFailedEvent:
		put("user_id", p.UserID.String())
		put("job_id", p.JobID)
		put("request_id", p.RequestID)
	case *payloads.CreditsRefundedEvent:
		put("user_id", p.UserID.String())
		put("request_id", p.RequestID)
		put("action", p.Action)
	}
	return attrs
}

// isRejected reports broker errors that replaying the same message cannot fix.
func isRejected(err error) bool {
	var nonRetryable registry.NonRetryableError
	if errors.As(err, &nonRetryable) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return true
		}
	}
	return false
}

func isMissingTopic(err error) bool {
	if st, ok := status.FromError(err); ok {
		return st.Code() == codes.NotFound || st.Code() == codes.PermissionDenied
	}
	return false
}
