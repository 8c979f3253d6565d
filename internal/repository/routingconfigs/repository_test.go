// internal/repository/routingconfigs/repository_test.go
package routingconfigs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/errors"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/logger"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/models"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/repository/templates"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/store"
)

var testUser = models.User{ClientID: "client-1", InternalUserID: "user-1"}

type fixture struct {
	repo      *Repository
	templates *templates.Repository
	backend   *store.MemoryBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	backend := store.NewMemoryBackend()
	log := logger.NewTestLogger(t)
	templateRepo := templates.New(backend, "templates", 30, log)
	repo := New(backend, "routing-configs", templateRepo, 30, log)
	repo.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	sequence := 0
	repo.newID = func() string {
		sequence++
		return fmt.Sprintf("plan-%d", sequence)
	}
	return &fixture{repo: repo, templates: templateRepo, backend: backend}
}

func (f *fixture) createTemplate(t *testing.T, name string) *models.Template {
	t.Helper()
	payload := fmt.Sprintf(`{"templateType":"SMS","name":%q,"message":"hello"}`, name)
	template, err := f.templates.Create(context.Background(), testUser, []byte(payload))
	require.NoError(t, err)
	return template
}

func simplePlanPayload(templateID string) []byte {
	return []byte(fmt.Sprintf(`{
		"name": "flu reminders",
		"campaignId": "campaign-1",
		"cascade": [
			{
				"channel": "SMS",
				"channelType": "primary",
				"cascadeGroups": ["standard"],
				"defaultTemplateId": %q
			}
		],
		"cascadeGroupOverrides": [{"name": "standard"}]
	}`, templateID))
}

func translatedPlanPayload(defaultID, frenchID string) []byte {
	return []byte(fmt.Sprintf(`{
		"name": "translated letters",
		"campaignId": "campaign-2",
		"cascade": [
			{
				"channel": "LETTER",
				"channelType": "primary",
				"cascadeGroups": ["standard"],
				"defaultTemplateId": %q,
				"conditionalTemplates": [
					{"language": "fr", "templateId": %q}
				]
			}
		],
		"cascadeGroupOverrides": [
			{"name": "standard"},
			{"name": "translations", "language": ["fr"]}
		]
	}`, defaultID, frenchID))
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, "reminder")

	config, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(template.ID))

	require.NoError(t, err)
	assert.Equal(t, "plan-1", config.ID)
	assert.Equal(t, models.RoutingConfigDraft, config.Status)
	assert.Equal(t, models.CascadeGroupStandard, config.DefaultCascadeGroup)
	assert.Equal(t, int64(0), config.LockNumber)
	require.Len(t, config.Cascade, 1)
	assert.Equal(t, []models.CascadeGroupName{models.CascadeGroupStandard}, config.Cascade[0].CascadeGroups)
}

func TestCreate_NormalizesDerivedState(t *testing.T) {
	f := newFixture(t)
	letter := f.createTemplate(t, "letter default")
	french := f.createTemplate(t, "letter fr")

	config, err := f.repo.Create(context.Background(), testUser,
		translatedPlanPayload(letter.ID, french.ID))

	require.NoError(t, err)
	require.Len(t, config.Cascade, 1)
	assert.Equal(t,
		[]models.CascadeGroupName{models.CascadeGroupStandard, models.CascadeGroupTranslations},
		config.Cascade[0].CascadeGroups,
		"group membership is recomputed from the conditional templates")
	require.Len(t, config.CascadeGroupOverrides, 2)
}

func TestCreate_MissingTemplates(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.Create(context.Background(), testUser, simplePlanPayload("no-such-template"))

	assert.Equal(t, apperrors.ErrCodeTemplatesNotFound, apperrors.CodeOf(err))
}

func TestCreate_InvalidPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.Create(context.Background(), testUser, []byte(`{"name": "no cascade"}`))

	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.CodeOf(err))
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, "reminder")
	config, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(template.ID))
	require.NoError(t, err)

	updated, err := f.repo.Update(context.Background(), testUser, config.ID, 0,
		[]byte(`{"name": "renamed"}`))

	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, int64(1), updated.LockNumber)
}

func TestUpdate_StaleLockNumber(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, "reminder")
	config, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(template.ID))
	require.NoError(t, err)
	_, err = f.repo.Update(context.Background(), testUser, config.ID, 0, []byte(`{"name": "first"}`))
	require.NoError(t, err)

	_, err = f.repo.Update(context.Background(), testUser, config.ID, 0, []byte(`{"name": "second"}`))

	assert.True(t, apperrors.IsLockFailure(err))

	got, err := f.repo.Get(context.Background(), testUser, config.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func TestUpdate_CascadeWithoutOverridesRejected(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, "reminder")
	config, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(template.ID))
	require.NoError(t, err)

	payload := fmt.Sprintf(`{"cascade": [{"channel":"SMS","channelType":"primary","cascadeGroups":["standard"],"defaultTemplateId":%q}]}`, template.ID)
	_, err = f.repo.Update(context.Background(), testUser, config.ID, 0, []byte(payload))

	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.CodeOf(err),
		"cascade and overrides must travel together")
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, "reminder")
	config, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(template.ID))
	require.NoError(t, err)

	completed, err := f.repo.Submit(context.Background(), testUser, config.ID, 0)

	require.NoError(t, err)
	assert.Equal(t, models.RoutingConfigCompleted, completed.Status)

	finalized, err := f.templates.Get(context.Background(), testUser, template.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, finalized.TemplateStatus,
		"completing a plan finalizes its templates")
}

func TestSubmit_ChannelWithoutDefaultTemplate(t *testing.T) {
	f := newFixture(t)
	letter := f.createTemplate(t, "letter default")
	french := f.createTemplate(t, "letter fr")
	config, err := f.repo.Create(context.Background(), testUser,
		translatedPlanPayload(letter.ID, french.ID))
	require.NoError(t, err)

	// Detach the default, leaving the channel without one.
	detached, err := f.repo.DetachTemplates(context.Background(), testUser, config.ID, 0,
		[]string{letter.ID})
	require.NoError(t, err)

	_, err = f.repo.Submit(context.Background(), testUser, config.ID, detached.LockNumber)

	assert.Equal(t, apperrors.ErrCodeCannotSubmit, apperrors.CodeOf(err))
}

func TestSubmit_AlreadyCompleted(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, "reminder")
	config, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(template.ID))
	require.NoError(t, err)
	_, err = f.repo.Submit(context.Background(), testUser, config.ID, 0)
	require.NoError(t, err)

	_, err = f.repo.Submit(context.Background(), testUser, config.ID, 1)

	assert.Equal(t, apperrors.ErrCodeAlreadySubmitted, apperrors.CodeOf(err))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, "reminder")
	config, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(template.ID))
	require.NoError(t, err)

	require.NoError(t, f.repo.Delete(context.Background(), testUser, config.ID, 0))

	_, err = f.repo.Get(context.Background(), testUser, config.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDelete_CompletedPlan(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, "reminder")
	config, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(template.ID))
	require.NoError(t, err)
	_, err = f.repo.Submit(context.Background(), testUser, config.ID, 0)
	require.NoError(t, err)

	err = f.repo.Delete(context.Background(), testUser, config.ID, 1)

	assert.Equal(t, apperrors.ErrCodeAlreadySubmitted, apperrors.CodeOf(err))
}

func TestGetByTemplateID(t *testing.T) {
	f := newFixture(t)
	shared := f.createTemplate(t, "shared")
	other := f.createTemplate(t, "other")

	referencing, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(shared.ID))
	require.NoError(t, err)
	_, err = f.repo.Create(context.Background(), testUser, simplePlanPayload(other.ID))
	require.NoError(t, err)

	configs, err := f.repo.GetByTemplateID(context.Background(), testUser, shared.ID)

	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, referencing.ID, configs[0].ID)
}

func TestDetachTemplates(t *testing.T) {
	f := newFixture(t)
	letter := f.createTemplate(t, "letter default")
	french := f.createTemplate(t, "letter fr")
	config, err := f.repo.Create(context.Background(), testUser,
		translatedPlanPayload(letter.ID, french.ID))
	require.NoError(t, err)

	detached, err := f.repo.DetachTemplates(context.Background(), testUser, config.ID, 0,
		[]string{french.ID})

	require.NoError(t, err)
	require.Len(t, detached.Cascade, 1)
	assert.Empty(t, detached.Cascade[0].ConditionalTemplates,
		"the conditional slot disappears with its template")
	assert.Equal(t, []models.CascadeGroupName{models.CascadeGroupStandard},
		detached.Cascade[0].CascadeGroups)

	for _, override := range detached.CascadeGroupOverrides {
		assert.NotEqual(t, models.CascadeGroupTranslations, override.Name,
			"an override with no remaining variants is dropped")
	}
	assert.Equal(t, int64(1), detached.LockNumber)
}

func TestDetachTemplates_StaleLockNumber(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, "reminder")
	config, err := f.repo.Create(context.Background(), testUser, simplePlanPayload(template.ID))
	require.NoError(t, err)
	_, err = f.repo.Update(context.Background(), testUser, config.ID, 0, []byte(`{"name": "moved on"}`))
	require.NoError(t, err)

	_, err = f.repo.DetachTemplates(context.Background(), testUser, config.ID, 0,
		[]string{template.ID})

	assert.True(t, apperrors.IsLockFailure(err))
}
