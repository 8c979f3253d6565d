// internal/events/publisher.go

// Package events carries template lifecycle changes between services.
// Template deletion is decoupled from message-plan cleanup: the deletion
// write commits first, an event is published, and the pruner detaches the
// template from draft plans asynchronously. Plans may reference a deleted
// template for a short window; resolution is eventually consistent.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	apperrors "github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/errors"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/logger"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/models"
)

// Event types emitted on the template lifecycle topic.
const (
	EventTemplateDeleted = "template-deleted"
	EventTemplateUpdated = "template-updated"
)

// TemplateEvent is the published document.
type TemplateEvent struct {
	Type       string `json:"type"`
	ClientID   string `json:"clientId"`
	TemplateID string `json:"templateId"`
	OccurredAt string `json:"occurredAt"`
}

type snsAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error)
}

// Publisher emits template lifecycle events to an SNS topic.
type Publisher struct {
	sns      snsAPI
	topicARN string
	log      logger.Logger
	now      func() time.Time
}

// NewPublisher wires a publisher for the given topic.
func NewPublisher(client snsAPI, topicARN string, log logger.Logger) *Publisher {
	return &Publisher{
		sns:      client,
		topicARN: topicARN,
		log:      log,
		now:      time.Now,
	}
}

// TemplateDeleted publishes a deletion event for the template.
func (p *Publisher) TemplateDeleted(ctx context.Context, user models.User, templateID string) error {
	return p.publish(ctx, TemplateEvent{
		Type:       EventTemplateDeleted,
		ClientID:   user.ClientID,
		TemplateID: templateID,
	})
}

// TemplateUpdated publishes a content-change event for the template.
func (p *Publisher) TemplateUpdated(ctx context.Context, user models.User, templateID string) error {
	return p.publish(ctx, TemplateEvent{
		Type:       EventTemplateUpdated,
		ClientID:   user.ClientID,
		TemplateID: templateID,
	})
}

func (p *Publisher) publish(ctx context.Context, event TemplateEvent) error {
	event.OccurredAt = p.now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(event)
	if err != nil {
		return apperrors.NewInternal("Failed to encode template event", err)
	}

	_, err = p.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"eventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
		},
	})
	if err != nil {
		p.log.WithError(err).Error("failed to publish template event", map[string]interface{}{
			"eventType":  event.Type,
			"templateId": event.TemplateID,
		})
		return apperrors.NewInternal("Failed to publish template event", err)
	}

	p.log.Debug("template event published", map[string]interface{}{
		"eventType":  event.Type,
		"templateId": event.TemplateID,
	})
	return nil
}
