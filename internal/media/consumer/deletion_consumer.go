package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/outbox"
	"github.com/stefna/stefna-backend/pkg/outbox/payloads"
)

type assetLookup interface {
	FindByJobID(ctx context.Context, jobID string) (*models.MediaAsset, error)
}

type cdnDestroyer interface {
	Destroy(ctx context.Context, publicID, resourceType string) error
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// DeletionConsumer destroys CDN objects for media_asset_deleted events.
type DeletionConsumer struct {
	repo         assetLookup
	cdn          cdnDestroyer
	subscription receiver
	logg         *logger.Logger
}

func NewDeletionConsumer(repo assetLookup, cdn cdnDestroyer, subscription receiver, logg *logger.Logger) (*DeletionConsumer, error) {
	if repo == nil {
		return nil, errors.New("media repository is required")
	}
	if cdn == nil {
		return nil, errors.New("cdn client is required")
	}
	if subscription == nil {
		return nil, errors.New("media deleted subscription is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &DeletionConsumer{
		repo:         repo,
		cdn:          cdn,
		subscription: subscription,
		logg:         logg,
	}, nil
}

// Run processes deletion events until the context is canceled.
func (c *DeletionConsumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *DeletionConsumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
		"event_id":   msg.Attributes["event_id"],
	})
	if eventType != string(enums.EventMediaAssetDeleted) {
		c.logg.Debug(logCtx, "skipping unrelated event")
		return processResult{ack: true}
	}

	event, err := decodeDeletedEvent(msg.Data)
	if err != nil {
		logCtx = c.logg.WithFields(logCtx, map[string]any{
			"payload_preview": previewBytes(msg.Data, 800),
			"payload_len":     len(msg.Data),
		})
		c.logg.Error(logCtx, "failed to decode media deleted event", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"asset_id":  event.AssetID.String(),
		"public_id": event.PublicID,
	})
	logCtx = c.logg.WithJobID(logCtx, event.JobID)
	if strings.TrimSpace(event.PublicID) == "" {
		c.logg.Warn(logCtx, "media deleted event has no public id")
		return processResult{ack: true}
	}

	// The same job may have been persisted again under the same public id.
	if event.JobID != "" {
		current, err := c.repo.FindByJobID(logCtx, event.JobID)
		if err != nil {
			c.logg.Error(logCtx, "media lookup failed", err)
			return processResult{nack: true}
		}
		if current != nil && current.PublicID == event.PublicID {
			c.logg.Info(logCtx, "asset was stored again, keeping cdn object")
			return processResult{ack: true}
		}
	}

	if err := c.cdn.Destroy(logCtx, event.PublicID, event.ResourceType); err != nil {
		c.logg.Error(logCtx, "cdn destroy failed", err)
		if isRetryable(err) {
			return processResult{nack: true}
		}
		return processResult{ack: true}
	}

	c.logg.Info(logCtx, "cdn object destroyed")
	return processResult{ack: true}
}

func decodeDeletedEvent(data []byte) (*payloads.MediaAssetDeletedEvent, error) {
	if len(data) == 0 {
		return nil, errors.New("payload empty")
	}
	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Data) == 0 {
		return nil, errors.New("envelope data empty")
	}
	var event payloads.MediaAssetDeletedEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if typed := pkgerrors.As(err); typed != nil {
		return pkgerrors.MetadataFor(typed.Code()).Retryable
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func previewBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
