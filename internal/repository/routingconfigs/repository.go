// internal/repository/routingconfigs/repository.go

// Package routingconfigs implements the guarded message-plan repository.
// Cascade mutations always pass through the pure resolver so the derived
// group overrides and per-step group memberships stay consistent with the
// cascade they describe, and every write lands as one conditional backend
// update.
package routingconfigs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/errors"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/logger"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/metrics"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/validation"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/models"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/routing"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/store"
)

const (
	entity = "Routing config"

	timestampFormat = "2006-01-02T15:04:05.000Z"
)

// TemplateStore is the slice of the template repository the message-plan
// flows need: existence and status checks on referenced templates, and
// finalizing them when a plan completes.
type TemplateStore interface {
	Get(ctx context.Context, user models.User, id string) (*models.Template, error)
	MarkSubmitted(ctx context.Context, user models.User, id string) (*models.Template, error)
}

// Repository mediates all routing config reads and writes.
type Repository struct {
	backend   store.Backend
	table     string
	templates TemplateStore
	log       logger.Logger

	deletedTTL time.Duration

	now   func() time.Time
	newID func() string
}

// New wires a repository over the given backend and table.
func New(backend store.Backend, table string, templates TemplateStore, deletedTTLDays int, log logger.Logger) *Repository {
	return &Repository{
		backend:    backend,
		table:      table,
		templates:  templates,
		log:        log,
		deletedTTL: time.Duration(deletedTTLDays) * 24 * time.Hour,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func (r *Repository) key(user models.User, id string) store.Key {
	return store.Key{Owner: models.ClientOwnerKey(user.ClientID), ID: id}
}

func (r *Repository) timestamp() string {
	return r.now().UTC().Format(timestampFormat)
}

func (r *Repository) observe(operation string, start time.Time, err error) {
	metrics.StoreOperationDuration.WithLabelValues("routing_config", operation).
		Observe(time.Since(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = string(apperrors.CodeOf(err))
	}
	metrics.StoreOperations.WithLabelValues("routing_config", operation, outcome).Inc()
	if apperrors.IsLockFailure(err) {
		metrics.StoreLockFailures.WithLabelValues("routing_config", operation).Inc()
	}
}

// createPayload and updatePayload mirror the validated request documents.
type createPayload struct {
	Name                  string                `json:"name"`
	CampaignID            string                `json:"campaignId"`
	Cascade               []models.CascadeItem  `json:"cascade"`
	CascadeGroupOverrides []models.CascadeGroup `json:"cascadeGroupOverrides"`
}

type updatePayload struct {
	Name                  *string               `json:"name"`
	CampaignID            *string               `json:"campaignId"`
	Cascade               []models.CascadeItem  `json:"cascade"`
	CascadeGroupOverrides []models.CascadeGroup `json:"cascadeGroupOverrides"`
}

// normalizeCascade recomputes the derived state a caller-supplied cascade
// carries: per-step group memberships and the group overrides. Running the
// resolver with nothing to remove leaves references untouched.
func normalizeCascade(cascade []models.CascadeItem, overrides []models.CascadeGroup) ([]models.CascadeItem, []models.CascadeGroup) {
	return routing.DetachTemplates(cascade, overrides, nil)
}

// checkTemplatesExist verifies every referenced template id resolves to a
// live template for this client.
func (r *Repository) checkTemplatesExist(ctx context.Context, user models.User, cascade []models.CascadeItem) error {
	var missing []string
	for _, id := range routing.TemplateIDList(cascade) {
		if _, err := r.templates.Get(ctx, user, id); err != nil {
			if apperrors.IsNotFound(err) {
				missing = append(missing, id)
				continue
			}
			return err
		}
	}
	if len(missing) > 0 {
		return apperrors.New(apperrors.ErrCodeTemplatesNotFound,
			"Routing config references templates that do not exist", nil).
			WithMetadata("templateIds", missing)
	}
	return nil
}

// Create validates and stores a new draft plan with lock number 0.
func (r *Repository) Create(ctx context.Context, user models.User, payload []byte) (config *models.RoutingConfig, err error) {
	start := r.now()
	defer func() { r.observe("create", start, err) }()

	if err = validation.ValidateCreateRoutingConfig(payload); err != nil {
		return nil, err
	}

	var body createPayload
	if err = json.Unmarshal(payload, &body); err != nil {
		return nil, apperrors.NewValidationFailed("Invalid routing config payload", err)
	}
	if err = r.checkTemplatesExist(ctx, user, body.Cascade); err != nil {
		return nil, err
	}

	cascade, overrides := normalizeCascade(body.Cascade, body.CascadeGroupOverrides)

	now := r.timestamp()
	config = &models.RoutingConfig{
		Record: models.Record{
			ID:         r.newID(),
			Owner:      models.ClientOwnerKey(user.ClientID),
			ClientID:   user.ClientID,
			LockNumber: 0,
			CreatedAt:  now,
			UpdatedAt:  now,
			CreatedBy:  models.InternalUserKey(user),
			UpdatedBy:  models.InternalUserKey(user),
		},
		Name:                  body.Name,
		CampaignID:            body.CampaignID,
		Status:                models.RoutingConfigDraft,
		DefaultCascadeGroup:   models.CascadeGroupStandard,
		Cascade:               cascade,
		CascadeGroupOverrides: overrides,
	}

	item, err := store.MarshalItem(config)
	if err != nil {
		return nil, apperrors.NewInternal("Failed to encode routing config", err)
	}
	if err = r.backend.Put(ctx, r.table, r.key(user, config.ID), item, true); err != nil {
		return nil, r.infraError(ctx, "create", config.ID, err)
	}

	r.log.Info("routing config created", map[string]interface{}{
		"routingConfigId": config.ID,
		"clientId":        user.ClientID,
	})
	return config, nil
}

// Get fetches one plan. Soft-deleted records read as not found.
func (r *Repository) Get(ctx context.Context, user models.User, id string) (config *models.RoutingConfig, err error) {
	start := r.now()
	defer func() { r.observe("get", start, err) }()

	item, err := r.backend.Get(ctx, r.table, r.key(user, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewNotFound(entity)
	}
	if err != nil {
		return nil, r.infraError(ctx, "get", id, err)
	}
	if item.String("status") == string(models.RoutingConfigDeleted) {
		return nil, apperrors.NewNotFound(entity)
	}

	config = &models.RoutingConfig{}
	if err = store.UnmarshalItem(item, config); err != nil {
		return nil, apperrors.NewInternal("Failed to decode routing config", err).
			WithMetadata("routingConfigId", id)
	}
	return config, nil
}

// ListFilter narrows List results. Zero value lists everything except
// soft-deleted records.
type ListFilter struct {
	Statuses       []models.RoutingConfigStatus
	IncludeDeleted bool
}

// List returns all of the client's plans matching the filter.
func (r *Repository) List(ctx context.Context, user models.User, filter ListFilter) (configs []*models.RoutingConfig, err error) {
	start := r.now()
	defer func() { r.observe("list", start, err) }()

	storeFilter := store.Filter{
		FieldIn:    map[string][]string{},
		FieldNotIn: map[string][]string{},
	}
	for _, s := range filter.Statuses {
		storeFilter.FieldIn["status"] = append(storeFilter.FieldIn["status"], string(s))
	}
	if !filter.IncludeDeleted && len(filter.Statuses) == 0 {
		storeFilter.FieldNotIn["status"] = []string{string(models.RoutingConfigDeleted)}
	}

	items, err := store.List(ctx, r.backend, r.table, models.ClientOwnerKey(user.ClientID), storeFilter)
	if err != nil {
		return nil, r.infraError(ctx, "list", "", err)
	}

	configs = make([]*models.RoutingConfig, 0, len(items))
	for _, item := range items {
		config := &models.RoutingConfig{}
		if decodeErr := store.UnmarshalItem(item, config); decodeErr != nil {
			r.log.WithError(decodeErr).Warn("skipping undecodable routing config record", map[string]interface{}{
				"routingConfigId": item.String("id"),
			})
			continue
		}
		configs = append(configs, config)
	}
	return configs, nil
}

// Update edits a draft plan. The cascade and its overrides travel together;
// the resolver renormalizes both before the conditional write.
func (r *Repository) Update(ctx context.Context, user models.User, id string, lockNumber int64, payload []byte) (config *models.RoutingConfig, err error) {
	start := r.now()
	defer func() { r.observe("update", start, err) }()

	if err = validation.ValidateUpdateRoutingConfig(payload); err != nil {
		return nil, err
	}

	var body updatePayload
	if err = json.Unmarshal(payload, &body); err != nil {
		return nil, apperrors.NewValidationFailed("Invalid routing config payload", err)
	}

	update := store.NewUpdate().
		Set("updatedAt", r.timestamp()).
		Set("updatedBy", models.InternalUserKey(user)).
		ExpectExists().
		ExpectLockNumber(lockNumber).
		ExpectStatusIn("status", string(models.RoutingConfigDraft)).
		IncrementLockNumber()
	if body.Name != nil {
		update.Set("name", *body.Name)
	}
	if body.CampaignID != nil {
		update.Set("campaignId", *body.CampaignID)
	}
	if body.Cascade != nil {
		if err = r.checkTemplatesExist(ctx, user, body.Cascade); err != nil {
			return nil, err
		}
		cascade, overrides := normalizeCascade(body.Cascade, body.CascadeGroupOverrides)
		update.Set("cascade", cascade)
		update.Set("cascadeGroupOverrides", overrides)
	}

	return r.apply(ctx, "update", user, id, update)
}

// Submit completes a draft plan: every cascade step must carry a default
// template, every referenced template must be live and in a submittable
// state, the plan flips to COMPLETED and the referenced templates are
// finalized.
func (r *Repository) Submit(ctx context.Context, user models.User, id string, lockNumber int64) (config *models.RoutingConfig, err error) {
	start := r.now()
	defer func() { r.observe("submit", start, err) }()

	current, err := r.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}

	if missing := routing.ChannelsMissingTemplates(current.Cascade); len(missing) > 0 {
		channels := make([]string, 0, len(missing))
		for _, i := range missing {
			channels = append(channels, string(current.Cascade[i].Channel))
		}
		return nil, apperrors.New(apperrors.ErrCodeCannotSubmit,
			fmt.Sprintf("Routing config has channels without a default template: %s",
				strings.Join(channels, ", ")), nil)
	}

	templateIDs := routing.TemplateIDList(current.Cascade)
	for _, templateID := range templateIDs {
		template, getErr := r.templates.Get(ctx, user, templateID)
		if getErr != nil {
			if apperrors.IsNotFound(getErr) {
				return nil, apperrors.New(apperrors.ErrCodeTemplatesNotFound,
					"Routing config references templates that do not exist", nil).
					WithMetadata("templateIds", []string{templateID})
			}
			return nil, getErr
		}
		switch template.TemplateStatus {
		case models.StatusVirusScanFailed, models.StatusValidationFailed,
			models.StatusPendingProofRequest, models.StatusWaitingForProof:
			return nil, apperrors.New(apperrors.ErrCodeCannotSubmit,
				fmt.Sprintf("Template %s with status %s cannot back a completed routing config",
					templateID, template.TemplateStatus), nil)
		}
	}

	update := store.NewUpdate().
		Set("status", string(models.RoutingConfigCompleted)).
		Set("updatedAt", r.timestamp()).
		Set("updatedBy", models.InternalUserKey(user)).
		ExpectExists().
		ExpectLockNumber(lockNumber).
		ExpectStatusIn("status", string(models.RoutingConfigDraft)).
		IncrementLockNumber()

	config, err = r.apply(ctx, "submit", user, id, update)
	if err != nil {
		return nil, err
	}

	// The plan is completed at this point; template finalization failures
	// are logged and the next submit of a plan sharing the template will
	// retry them.
	for _, templateID := range templateIDs {
		if _, markErr := r.templates.MarkSubmitted(ctx, user, templateID); markErr != nil {
			r.log.WithError(markErr).Warn("failed to finalize template for completed routing config", map[string]interface{}{
				"routingConfigId": id,
				"templateId":      templateID,
			})
		}
	}
	return config, nil
}

// Delete soft-deletes a draft plan. Completed plans cannot be deleted.
func (r *Repository) Delete(ctx context.Context, user models.User, id string, lockNumber int64) (err error) {
	start := r.now()
	defer func() { r.observe("delete", start, err) }()

	expiry := r.now().Add(r.deletedTTL).Unix()
	update := store.NewUpdate().
		Set("status", string(models.RoutingConfigDeleted)).
		Set("ttl", expiry).
		Set("updatedAt", r.timestamp()).
		Set("updatedBy", models.InternalUserKey(user)).
		ExpectExists().
		ExpectLockNumber(lockNumber).
		ExpectStatusIn("status", string(models.RoutingConfigDraft)).
		IncrementLockNumber()

	_, err = r.apply(ctx, "delete", user, id, update)
	return err
}

// GetByTemplateID returns every live plan whose cascade references the
// template, as a default or through a conditional entry.
func (r *Repository) GetByTemplateID(ctx context.Context, user models.User, templateID string) (configs []*models.RoutingConfig, err error) {
	start := r.now()
	defer func() { r.observe("get_by_template_id", start, err) }()

	all, err := r.List(ctx, user, ListFilter{})
	if err != nil {
		return nil, err
	}

	for _, config := range all {
		if routing.References(config.Cascade, templateID) {
			configs = append(configs, config)
		}
	}
	return configs, nil
}

// DetachTemplates removes every reference to the given template ids from a
// draft plan, reconciling the group overrides in the same conditional
// write. The plan's lock number from the caller's read guards the write;
// on CONFLICT the caller re-reads and retries.
func (r *Repository) DetachTemplates(
	ctx context.Context,
	user models.User,
	id string,
	lockNumber int64,
	templateIDs []string,
) (config *models.RoutingConfig, err error) {
	start := r.now()
	defer func() { r.observe("detach_templates", start, err) }()

	current, err := r.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}

	cascade, overrides := routing.DetachTemplates(current.Cascade, current.CascadeGroupOverrides, templateIDs)

	update := store.NewUpdate().
		Set("cascade", cascade).
		Set("cascadeGroupOverrides", overrides).
		Set("updatedAt", r.timestamp()).
		ExpectExists().
		ExpectLockNumber(lockNumber).
		ExpectStatusIn("status", string(models.RoutingConfigDraft)).
		IncrementLockNumber()

	return r.apply(ctx, "detach_templates", user, id, update)
}

// apply runs one conditional write and classifies its outcome.
func (r *Repository) apply(ctx context.Context, operation string, user models.User, id string, update *store.Update) (*models.RoutingConfig, error) {
	item, err := r.backend.Update(ctx, r.table, r.key(user, id), update)
	if err != nil {
		var failed *store.ConditionFailedError
		if errors.As(err, &failed) {
			outcome := r.classifyConditionFailure(failed.Current)
			r.log.Info("routing config write rejected", map[string]interface{}{
				"routingConfigId": id,
				"operation":       operation,
				"code":            apperrors.CodeOf(outcome),
			})
			return nil, outcome
		}
		return nil, r.infraError(ctx, operation, id, err)
	}

	config := &models.RoutingConfig{}
	if err := store.UnmarshalItem(item, config); err != nil {
		return nil, apperrors.NewInternal("Failed to decode routing config", err).
			WithMetadata("routingConfigId", id)
	}
	return config, nil
}

func (r *Repository) classifyConditionFailure(current store.Item) error {
	status := current.String("status")

	if current == nil || status == string(models.RoutingConfigDeleted) {
		return apperrors.NewNotFound(entity)
	}
	if status == string(models.RoutingConfigCompleted) {
		return apperrors.NewAlreadySubmitted(entity, status)
	}
	return apperrors.NewLockFailure("routing config", nil)
}

// infraError wraps a backend failure, surfacing a cancelled context as
// AMBIGUOUS so callers re-read before retrying.
func (r *Repository) infraError(ctx context.Context, operation, id string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewAmbiguous("Routing config write interrupted; state unknown", err).
			WithMetadata("routingConfigId", id).
			WithMetadata("operation", operation)
	}

	r.log.WithError(err).Error("routing config store operation failed", map[string]interface{}{
		"routingConfigId": id,
		"operation":       operation,
	})
	return apperrors.NewInternal("Routing config store operation failed", err).
		WithMetadata("routingConfigId", id).
		WithMetadata("operation", operation)
}
