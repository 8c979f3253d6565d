// internal/events/pruner.go
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	apperrors "github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/errors"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/logger"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/metrics"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/models"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error)
}

// RoutingConfigStore is the slice of the routing config repository the
// pruner needs.
type RoutingConfigStore interface {
	GetByTemplateID(ctx context.Context, user models.User, templateID string) ([]*models.RoutingConfig, error)
	DetachTemplates(ctx context.Context, user models.User, id string, lockNumber int64, templateIDs []string) (*models.RoutingConfig, error)
}

// Pruner consumes template-deleted events and detaches the deleted template
// from every draft plan that still references it. Each detach is a
// lock-guarded conditional write; a CONFLICT means another writer got there
// first, so the plan is re-read and the detach retried against the fresh
// lock number.
type Pruner struct {
	sqs        sqsAPI
	queueURL   string
	configs    RoutingConfigStore
	log        logger.Logger
	maxRetries int
	waitTime   int32
}

// NewPruner wires a pruner over the given queue.
func NewPruner(client sqsAPI, queueURL string, configs RoutingConfigStore, maxRetries, waitSeconds int, log logger.Logger) *Pruner {
	if maxRetries < 1 {
		maxRetries = 3
	}
	if waitSeconds < 1 {
		waitSeconds = 20
	}
	return &Pruner{
		sqs:        client,
		queueURL:   queueURL,
		configs:    configs,
		log:        log,
		maxRetries: maxRetries,
		waitTime:   int32(waitSeconds),
	}
}

// Run polls until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	p.log.Info("template pruner started", map[string]interface{}{"queueUrl": p.queueURL})

	for {
		if err := ctx.Err(); err != nil {
			p.log.Info("template pruner stopping", nil)
			return err
		}
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Error("poll failed", nil)
			// Back off briefly so a broken queue does not spin.
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
		}
	}
}

// Poll receives one batch and handles each message, deleting messages that
// were processed or are unprocessable. Failed messages are left to
// redeliver after the visibility timeout.
func (p *Pruner) Poll(ctx context.Context) error {
	out, err := p.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     p.waitTime,
	})
	if err != nil {
		return fmt.Errorf("receive messages: %w", err)
	}

	for _, message := range out.Messages {
		if err := p.handle(ctx, aws.ToString(message.Body)); err != nil {
			p.log.WithError(err).Error("failed to process template event", map[string]interface{}{
				"messageId": aws.ToString(message.MessageId),
			})
			continue
		}
		if _, err := p.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(p.queueURL),
			ReceiptHandle: message.ReceiptHandle,
		}); err != nil {
			p.log.WithError(err).Warn("failed to delete processed message", map[string]interface{}{
				"messageId": aws.ToString(message.MessageId),
			})
		}
	}
	return nil
}

// snsEnvelope is the wrapper SNS adds when a topic delivers into SQS.
type snsEnvelope struct {
	Message string `json:"Message"`
}

func decodeEvent(body string) (TemplateEvent, error) {
	var envelope snsEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Message != "" {
		body = envelope.Message
	}

	var event TemplateEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return TemplateEvent{}, fmt.Errorf("decode template event: %w", err)
	}
	return event, nil
}

func (p *Pruner) handle(ctx context.Context, body string) error {
	event, err := decodeEvent(body)
	if err != nil {
		metrics.EventsProcessed.WithLabelValues("unknown", "decode_error").Inc()
		// Unprocessable; returning nil deletes it rather than redelivering
		// forever.
		p.log.WithError(err).Warn("dropping undecodable template event", nil)
		return nil
	}

	if event.Type != EventTemplateDeleted {
		metrics.EventsProcessed.WithLabelValues(event.Type, "skipped").Inc()
		return nil
	}

	user := models.User{ClientID: event.ClientID}
	if err := p.prune(ctx, user, event.TemplateID); err != nil {
		metrics.EventsProcessed.WithLabelValues(event.Type, "error").Inc()
		return err
	}
	metrics.EventsProcessed.WithLabelValues(event.Type, "success").Inc()
	return nil
}

// prune detaches the template from every draft plan referencing it.
func (p *Pruner) prune(ctx context.Context, user models.User, templateID string) error {
	configs, err := p.configs.GetByTemplateID(ctx, user, templateID)
	if err != nil {
		return err
	}

	var failed []string
	for _, config := range configs {
		if config.Status != models.RoutingConfigDraft {
			// Completed plans keep their history; only drafts are pruned.
			continue
		}
		if err := p.detachWithRetry(ctx, user, config, templateID); err != nil {
			failed = append(failed, config.ID)
			p.log.WithError(err).Error("failed to detach template from routing config", map[string]interface{}{
				"routingConfigId": config.ID,
				"templateId":      templateID,
			})
		}
	}

	if len(failed) > 0 {
		return apperrors.NewInternal("Failed to detach template from some routing configs", nil).
			WithMetadata("templateId", templateID).
			WithMetadata("routingConfigIds", failed)
	}
	return nil
}

func (p *Pruner) detachWithRetry(ctx context.Context, user models.User, config *models.RoutingConfig, templateID string) error {
	lockNumber := config.LockNumber

	var err error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		_, err = p.configs.DetachTemplates(ctx, user, config.ID, lockNumber, []string{templateID})
		if err == nil {
			return nil
		}
		if apperrors.IsNotFound(err) || apperrors.CodeOf(err) == apperrors.ErrCodeAlreadySubmitted ||
			errors.Is(ctx.Err(), context.Canceled) {
			// The plan is gone or completed in the meantime; nothing to prune.
			return nil
		}
		if !apperrors.IsLockFailure(err) {
			return err
		}

		// Lost the race; re-read for the fresh lock number. The reference
		// may already have been detached by the competing writer.
		fresh, getErr := p.configs.GetByTemplateID(ctx, user, templateID)
		if getErr != nil {
			return getErr
		}
		lockNumber = -1
		for _, candidate := range fresh {
			if candidate.ID == config.ID {
				lockNumber = candidate.LockNumber
				break
			}
		}
		if lockNumber < 0 {
			return nil
		}
	}
	return err
}
