// internal/events/events_test.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/errors"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/logger"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/models"
)

var testUser = models.User{ClientID: "client-1", InternalUserID: "user-1"}

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, input *sns.PublishInput) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, input)
	return &sns.PublishOutput{MessageId: aws.String("m1")}, f.err
}

func TestPublisher_TemplateDeleted(t *testing.T) {
	client := &fakeSNS{}
	publisher := NewPublisher(client, "arn:aws:sns:eu-west-2:000000000000:template-events", logger.NewTestLogger(t))

	err := publisher.TemplateDeleted(context.Background(), testUser, "template-1")

	require.NoError(t, err)
	require.Len(t, client.inputs, 1)
	input := client.inputs[0]
	assert.Equal(t, "arn:aws:sns:eu-west-2:000000000000:template-events", aws.ToString(input.TopicArn))

	var event TemplateEvent
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(input.Message)), &event))
	assert.Equal(t, EventTemplateDeleted, event.Type)
	assert.Equal(t, "client-1", event.ClientID)
	assert.Equal(t, "template-1", event.TemplateID)
	assert.NotEmpty(t, event.OccurredAt)

	attribute, ok := input.MessageAttributes["eventType"]
	require.True(t, ok)
	assert.Equal(t, EventTemplateDeleted, aws.ToString(attribute.StringValue))
}

func TestPublisher_PublishFailure(t *testing.T) {
	client := &fakeSNS{err: fmt.Errorf("throttled")}
	publisher := NewPublisher(client, "arn", logger.NewNoOpLogger())

	err := publisher.TemplateUpdated(context.Background(), testUser, "template-1")

	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.CodeOf(err))
}

type fakeSQS struct {
	messages []sqstypes.Message
	deleted  []string
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, input *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(input.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeConfigStore struct {
	configs       []*models.RoutingConfig
	detached      [][]string
	lockFailures  int
	currentLock   int64
	notFoundOnGet bool
}

func (f *fakeConfigStore) GetByTemplateID(context.Context, models.User, string) ([]*models.RoutingConfig, error) {
	if f.notFoundOnGet {
		return nil, nil
	}
	out := make([]*models.RoutingConfig, len(f.configs))
	for i, config := range f.configs {
		copied := *config
		copied.LockNumber = f.currentLock
		out[i] = &copied
	}
	return out, nil
}

func (f *fakeConfigStore) DetachTemplates(_ context.Context, _ models.User, id string, lockNumber int64, templateIDs []string) (*models.RoutingConfig, error) {
	if lockNumber != f.currentLock || f.lockFailures > 0 {
		f.lockFailures--
		f.currentLock++
		return nil, apperrors.NewLockFailure("routing config", nil)
	}
	f.detached = append(f.detached, append([]string{id}, templateIDs...))
	return &models.RoutingConfig{}, nil
}

func draftConfig(id string) *models.RoutingConfig {
	return &models.RoutingConfig{
		Record: models.Record{ID: id, ClientID: "client-1"},
		Status: models.RoutingConfigDraft,
	}
}

func eventBody(t *testing.T, eventType, templateID string) string {
	t.Helper()
	raw, err := json.Marshal(TemplateEvent{
		Type:       eventType,
		ClientID:   "client-1",
		TemplateID: templateID,
		OccurredAt: "2025-06-01T12:00:00Z",
	})
	require.NoError(t, err)
	return string(raw)
}

func TestPruner_DetachesFromDraftPlans(t *testing.T) {
	store := &fakeConfigStore{configs: []*models.RoutingConfig{draftConfig("plan-1")}}
	queue := &fakeSQS{messages: []sqstypes.Message{{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String(eventBody(t, EventTemplateDeleted, "template-1")),
	}}}
	pruner := NewPruner(queue, "queue-url", store, 3, 1, logger.NewTestLogger(t))

	require.NoError(t, pruner.Poll(context.Background()))

	require.Len(t, store.detached, 1)
	assert.Equal(t, []string{"plan-1", "template-1"}, store.detached[0])
	assert.Equal(t, []string{"r1"}, queue.deleted, "processed message is deleted")
}

func TestPruner_UnwrapsSNSEnvelope(t *testing.T) {
	wrapped, err := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": eventBody(t, EventTemplateDeleted, "template-1"),
	})
	require.NoError(t, err)

	store := &fakeConfigStore{configs: []*models.RoutingConfig{draftConfig("plan-1")}}
	queue := &fakeSQS{messages: []sqstypes.Message{{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String(string(wrapped)),
	}}}
	pruner := NewPruner(queue, "queue-url", store, 3, 1, logger.NewTestLogger(t))

	require.NoError(t, pruner.Poll(context.Background()))

	require.Len(t, store.detached, 1)
}

func TestPruner_RetriesAfterLockFailure(t *testing.T) {
	store := &fakeConfigStore{
		configs:      []*models.RoutingConfig{draftConfig("plan-1")},
		lockFailures: 1,
	}
	queue := &fakeSQS{messages: []sqstypes.Message{{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String(eventBody(t, EventTemplateDeleted, "template-1")),
	}}}
	pruner := NewPruner(queue, "queue-url", store, 3, 1, logger.NewTestLogger(t))

	require.NoError(t, pruner.Poll(context.Background()))

	require.Len(t, store.detached, 1, "detach succeeds on the re-read lock number")
}

func TestPruner_SkipsOtherEventTypes(t *testing.T) {
	store := &fakeConfigStore{configs: []*models.RoutingConfig{draftConfig("plan-1")}}
	queue := &fakeSQS{messages: []sqstypes.Message{{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String(eventBody(t, EventTemplateUpdated, "template-1")),
	}}}
	pruner := NewPruner(queue, "queue-url", store, 3, 1, logger.NewTestLogger(t))

	require.NoError(t, pruner.Poll(context.Background()))

	assert.Empty(t, store.detached)
	assert.Equal(t, []string{"r1"}, queue.deleted)
}

func TestPruner_SkipsCompletedPlans(t *testing.T) {
	completed := draftConfig("plan-1")
	completed.Status = models.RoutingConfigCompleted
	store := &fakeConfigStore{configs: []*models.RoutingConfig{completed}}
	queue := &fakeSQS{messages: []sqstypes.Message{{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String(eventBody(t, EventTemplateDeleted, "template-1")),
	}}}
	pruner := NewPruner(queue, "queue-url", store, 3, 1, logger.NewTestLogger(t))

	require.NoError(t, pruner.Poll(context.Background()))

	assert.Empty(t, store.detached)
}

func TestPruner_DropsUndecodableMessages(t *testing.T) {
	store := &fakeConfigStore{}
	queue := &fakeSQS{messages: []sqstypes.Message{{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String("not json"),
	}}}
	pruner := NewPruner(queue, "queue-url", store, 3, 1, logger.NewTestLogger(t))

	require.NoError(t, pruner.Poll(context.Background()))

	assert.Equal(t, []string{"r1"}, queue.deleted, "poison messages are dropped, not redelivered")
}
