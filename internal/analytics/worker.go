package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stefna/stefna-backend/pkg/enums"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/outbox"
)

const (
	consumerScope        = "analytics"
	defaultProcessedTTL  = 7 * 24 * time.Hour
	defaultInsertRetries = 2
	defaultInsertBackoff = 250 * time.Millisecond
	processedMarkerValue = "1"
)

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error
}

type rowInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// processedStore records which event ids have already been written.
type processedStore interface {
	IdempotencyKey(scope, id string) string
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Options tunes the worker. Zero values fall back to defaults.
type Options struct {
	Table         string
	ProcessedTTL  time.Duration
	InsertRetries uint64
	InsertBackoff time.Duration
}

// Worker streams domain events from Pub/Sub into BigQuery.
type Worker struct {
	subscription receiver
	inserter     rowInserter
	store        processedStore
	logg         *logger.Logger
	opts         Options
}

func NewWorker(subscription receiver, inserter rowInserter, store processedStore, logg *logger.Logger, opts Options) (*Worker, error) {
	if subscription == nil {
		return nil, errors.New("analytics subscription is required")
	}
	if inserter == nil {
		return nil, errors.New("bigquery inserter is required")
	}
	if store == nil {
		return nil, errors.New("processed store is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	opts.Table = strings.TrimSpace(opts.Table)
	if opts.Table == "" {
		return nil, errors.New("analytics table is required")
	}
	if opts.ProcessedTTL <= 0 {
		opts.ProcessedTTL = defaultProcessedTTL
	}
	if opts.InsertRetries == 0 {
		opts.InsertRetries = defaultInsertRetries
	}
	if opts.InsertBackoff <= 0 {
		opts.InsertBackoff = defaultInsertBackoff
	}
	return &Worker{
		subscription: subscription,
		inserter:     inserter,
		store:        store,
		logg:         logg,
		opts:         opts,
	}, nil
}

type processResult struct {
	nack bool
}

// Run consumes until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return w.subscription.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		if w.process(innerCtx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (w *Worker) process(ctx context.Context, msg *gcppubsub.Message) processResult {
	fields := map[string]any{"message_id": msg.ID}

	env, err := decodeEnvelope(msg)
	if err != nil {
		fields["error"] = err.Error()
		w.logg.Warn(w.logg.WithFields(ctx, fields), "invalid analytics envelope")
		return processResult{}
	}
	fields["event_id"] = env.EventID
	fields["event_type"] = env.EventType
	fields["aggregate_id"] = env.AggregateID
	logCtx := w.logg.WithFields(ctx, fields)

	row, err := BuildRow(*env)
	if err != nil {
		fields["error"] = err.Error()
		w.logg.Warn(w.logg.WithFields(ctx, fields), "analytics row rejected")
		return processResult{}
	}

	key := w.store.IdempotencyKey(consumerScope, env.EventID)
	fresh, err := w.store.SetNX(logCtx, key, processedMarkerValue, w.opts.ProcessedTTL)
	if err != nil {
		w.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if !fresh {
		w.logg.Info(logCtx, "event already processed")
		return processResult{}
	}

	if err := w.insert(logCtx, row); err != nil {
		w.logg.Error(logCtx, "analytics insert failed", err)
		if delErr := w.store.Del(logCtx, key); delErr != nil {
			w.logg.Error(logCtx, "release idempotency marker", delErr)
		}
		return processResult{nack: true}
	}

	w.logg.Info(logCtx, "analytics event written")
	return processResult{}
}

func (w *Worker) insert(ctx context.Context, row *GenerationEventRow) error {
	backoff := retry.WithMaxRetries(w.opts.InsertRetries, retry.NewExponential(w.opts.InsertBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := w.inserter.InsertRows(ctx, w.opts.Table, []any{row.Saver()})
		if err != nil && isRetryableInsert(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func decodeEnvelope(msg *gcppubsub.Message) (*Envelope, error) {
	var stored outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &stored); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}

	eventType, err := enums.ParseOutboxEventType(strings.TrimSpace(msg.Attributes["event_type"]))
	if err != nil {
		return nil, fmt.Errorf("event_type: %w", err)
	}
	aggregateType, err := enums.ParseOutboxAggregateType(strings.TrimSpace(msg.Attributes["aggregate_type"]))
	if err != nil {
		return nil, fmt.Errorf("aggregate_type: %w", err)
	}
	aggregateID := strings.TrimSpace(msg.Attributes["aggregate_id"])
	if aggregateID == "" {
		return nil, errors.New("aggregate_id missing")
	}

	eventID := strings.TrimSpace(stored.EventID)
	if eventID == "" {
		eventID = strings.TrimSpace(msg.Attributes["event_id"])
	}
	if eventID == "" {
		return nil, errors.New("event_id missing")
	}

	occurredAt := stored.OccurredAt
	if occurredAt.IsZero() {
		if created := strings.TrimSpace(msg.Attributes["created_at"]); created != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, created); err == nil {
				occurredAt = parsed
			}
		}
	}

	return &Envelope{
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		OccurredAt:    occurredAt.UTC(),
		Payload:       stored.Data,
	}, nil
}

func isRetryableInsert(err error) bool {
	if err == nil {
		return false
	}

	var pme bigquery.PutMultiError
	if errors.As(err, &pme) {
		if len(pme) == 0 {
			return false
		}
		for _, rowErr := range pme {
			for _, inner := range rowErr.Errors {
				if !isRetryableInsert(inner) {
					return false
				}
			}
		}
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
			return true
		}
	}
	return false
}
