// internal/repository/templates/repository.go

// Package templates implements the guarded template repository. Every
// mutation is one conditional backend write carrying the caller's lock
// number and the lifecycle predicate, so a stale caller or a terminal
// record rejects the write atomically.
package templates

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
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/store"
)

const (
	entity = "Template"

	timestampFormat = "2006-01-02T15:04:05.000Z"
)

// Statuses a letter proofing pipeline callback may never overwrite.
var pipelineForbidden = []string{
	string(models.StatusSubmitted),
	string(models.StatusDeleted),
}

// Events receives lifecycle notifications after a write has committed.
// Publishing failures are logged, never surfaced: the write already
// happened and downstream consumers reconcile eventually.
type Events interface {
	TemplateDeleted(ctx context.Context, user models.User, templateID string) error
	TemplateUpdated(ctx context.Context, user models.User, templateID string) error
}

// Repository mediates all template reads and writes.
type Repository struct {
	backend store.Backend
	table   string
	log     logger.Logger
	events  Events

	// Deleted records are retained for this long before the store expires
	// them.
	deletedTTL time.Duration

	now   func() time.Time
	newID func() string
}

// New wires a repository over the given backend and table.
func New(backend store.Backend, table string, deletedTTLDays int, log logger.Logger) *Repository {
	return &Repository{
		backend:    backend,
		table:      table,
		log:        log,
		deletedTTL: time.Duration(deletedTTLDays) * 24 * time.Hour,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// WithEvents attaches a lifecycle event publisher.
func (r *Repository) WithEvents(events Events) *Repository {
	r.events = events
	return r
}

func (r *Repository) key(user models.User, id string) store.Key {
	return store.Key{Owner: models.ClientOwnerKey(user.ClientID), ID: id}
}

func (r *Repository) timestamp() string {
	return r.now().UTC().Format(timestampFormat)
}

func (r *Repository) observe(operation string, start time.Time, err error) {
	metrics.StoreOperationDuration.WithLabelValues("template", operation).
		Observe(time.Since(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = string(apperrors.CodeOf(err))
	}
	metrics.StoreOperations.WithLabelValues("template", operation, outcome).Inc()
	if apperrors.IsLockFailure(err) {
		metrics.StoreLockFailures.WithLabelValues("template", operation).Inc()
	}
}

// Create validates and stores a new template with a fresh id and lock
// number 0.
func (r *Repository) Create(ctx context.Context, user models.User, payload []byte) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("create", start, err) }()

	if err = validation.ValidateCreateTemplate(payload); err != nil {
		return nil, err
	}

	template = &models.Template{}
	if err = json.Unmarshal(payload, template); err != nil {
		return nil, apperrors.NewValidationFailed("Invalid template payload", err)
	}

	now := r.timestamp()
	template.ID = r.newID()
	template.Owner = models.ClientOwnerKey(user.ClientID)
	template.ClientID = user.ClientID
	template.LockNumber = 0
	template.CreatedAt = now
	template.UpdatedAt = now
	template.CreatedBy = models.InternalUserKey(user)
	template.UpdatedBy = models.InternalUserKey(user)
	template.TemplateStatus = models.StatusNotYetSubmitted

	item, err := store.MarshalItem(template)
	if err != nil {
		return nil, apperrors.NewInternal("Failed to encode template", err)
	}

	if err = r.backend.Put(ctx, r.table, r.key(user, template.ID), item, true); err != nil {
		return nil, r.infraError(ctx, "create", template.ID, err)
	}

	r.log.Info("template created", map[string]interface{}{
		"templateId":   template.ID,
		"templateType": template.TemplateType,
		"clientId":     user.ClientID,
	})
	return template, nil
}

// Get fetches one template. Soft-deleted records read as not found.
func (r *Repository) Get(ctx context.Context, user models.User, id string) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("get", start, err) }()

	item, err := r.backend.Get(ctx, r.table, r.key(user, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewNotFound(entity)
	}
	if err != nil {
		return nil, r.infraError(ctx, "get", id, err)
	}
	if item.String("templateStatus") == string(models.StatusDeleted) {
		return nil, apperrors.NewNotFound(entity)
	}

	template = &models.Template{}
	if err = store.UnmarshalItem(item, template); err != nil {
		return nil, apperrors.NewInternal("Failed to decode template", err).
			WithMetadata("templateId", id)
	}
	return template, nil
}

// ListFilter narrows List results. Zero value lists everything except
// soft-deleted records.
type ListFilter struct {
	Statuses       []models.TemplateStatus
	Types          []models.TemplateType
	IncludeDeleted bool
}

// List returns all of the client's templates matching the filter, draining
// backend pagination.
func (r *Repository) List(ctx context.Context, user models.User, filter ListFilter) (templates []*models.Template, err error) {
	start := r.now()
	defer func() { r.observe("list", start, err) }()

	storeFilter := store.Filter{
		FieldIn:    map[string][]string{},
		FieldNotIn: map[string][]string{},
	}
	for _, s := range filter.Statuses {
		storeFilter.FieldIn["templateStatus"] = append(storeFilter.FieldIn["templateStatus"], string(s))
	}
	for _, t := range filter.Types {
		storeFilter.FieldIn["templateType"] = append(storeFilter.FieldIn["templateType"], string(t))
	}
	if !filter.IncludeDeleted && len(filter.Statuses) == 0 {
		storeFilter.FieldNotIn["templateStatus"] = []string{string(models.StatusDeleted)}
	}

	items, err := store.List(ctx, r.backend, r.table, models.ClientOwnerKey(user.ClientID), storeFilter)
	if err != nil {
		return nil, r.infraError(ctx, "list", "", err)
	}

	templates = make([]*models.Template, 0, len(items))
	for _, item := range items {
		template := &models.Template{}
		if decodeErr := store.UnmarshalItem(item, template); decodeErr != nil {
			r.log.WithError(decodeErr).Warn("skipping undecodable template record", map[string]interface{}{
				"templateId": item.String("id"),
			})
			continue
		}
		templates = append(templates, template)
	}
	return templates, nil
}

// UpdatePatch carries the editable content fields. Nil fields are left
// unchanged.
type UpdatePatch struct {
	Name    *string
	Subject *string
	Message *string
}

// Update edits template content. The write requires the caller's lock
// number, status NOT_YET_SUBMITTED and an unchanged template type, all
// evaluated atomically with the mutation.
func (r *Repository) Update(
	ctx context.Context,
	user models.User,
	id string,
	lockNumber int64,
	templateType models.TemplateType,
	patch UpdatePatch,
) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("update", start, err) }()

	update := store.NewUpdate().
		Set("updatedAt", r.timestamp()).
		Set("updatedBy", models.InternalUserKey(user)).
		ExpectExists().
		ExpectLockNumber(lockNumber).
		ExpectStatusIn("templateStatus", string(models.StatusNotYetSubmitted)).
		ExpectFieldEquals("templateType", string(templateType)).
		IncrementLockNumber()
	if patch.Name != nil {
		update.Set("name", *patch.Name)
	}
	if patch.Subject != nil {
		update.Set("subject", *patch.Subject)
	}
	if patch.Message != nil {
		update.Set("message", *patch.Message)
	}

	template, err = r.apply(ctx, "update", user, id, update)
	if err != nil {
		return nil, err
	}

	if r.events != nil {
		if publishErr := r.events.TemplateUpdated(ctx, user, id); publishErr != nil {
			r.log.WithError(publishErr).Warn("template updated but event not published", map[string]interface{}{
				"templateId": id,
			})
		}
	}
	return template, nil
}

// Delete soft-deletes the template: status DELETED plus an expiry the store
// enforces. Submitted templates cannot be deleted.
func (r *Repository) Delete(ctx context.Context, user models.User, id string, lockNumber int64) (err error) {
	start := r.now()
	defer func() { r.observe("delete", start, err) }()

	expiry := r.now().Add(r.deletedTTL).Unix()
	update := store.NewUpdate().
		Set("templateStatus", string(models.StatusDeleted)).
		Set("ttl", expiry).
		Set("updatedAt", r.timestamp()).
		Set("updatedBy", models.InternalUserKey(user)).
		ExpectExists().
		ExpectLockNumber(lockNumber).
		ExpectStatusNotIn("templateStatus",
			string(models.StatusSubmitted), string(models.StatusDeleted)).
		IncrementLockNumber()

	if _, err = r.apply(ctx, "delete", user, id, update); err != nil {
		return err
	}

	if r.events != nil {
		if publishErr := r.events.TemplateDeleted(ctx, user, id); publishErr != nil {
			r.log.WithError(publishErr).Warn("template deleted but event not published", map[string]interface{}{
				"templateId": id,
			})
		}
	}
	return nil
}

// Submit finalizes the template. Letters additionally require every
// artifact's virus scan to have passed; the scan predicate is evaluated
// atomically with the status change.
func (r *Repository) Submit(ctx context.Context, user models.User, id string, lockNumber int64) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("submit", start, err) }()

	// The pre-read only determines which predicate to build; the predicate
	// itself is still checked atomically by the conditional write.
	current, err := r.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}

	update := store.NewUpdate().
		Set("templateStatus", string(models.StatusSubmitted)).
		Set("updatedAt", r.timestamp()).
		Set("updatedBy", models.InternalUserKey(user)).
		ExpectExists().
		ExpectLockNumber(lockNumber).
		ExpectStatusIn("templateStatus",
			string(models.StatusNotYetSubmitted), string(models.StatusProofAvailable)).
		IncrementLockNumber()

	if files := current.Files(); files != nil {
		if files.PdfTemplate != nil {
			update.ExpectFieldEquals("files.pdfTemplate.virusScanStatus", string(models.ScanPassed))
		}
		if files.TestDataCsv != nil {
			update.ExpectFieldEquals("files.testDataCsv.virusScanStatus", string(models.ScanPassed))
		}
	}

	return r.apply(ctx, "submit", user, id, update)
}

// MarkSubmitted finalizes a template on behalf of a completed message plan
// that references it. Unlike Submit there is no caller lock number: the
// plan's own conditional write is the concurrency guard, and re-marking an
// already submitted template is not an error.
func (r *Repository) MarkSubmitted(ctx context.Context, user models.User, id string) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("mark_submitted", start, err) }()

	update := store.NewUpdate().
		Set("templateStatus", string(models.StatusSubmitted)).
		Set("updatedAt", r.timestamp()).
		Set("updatedBy", models.InternalUserKey(user)).
		ExpectExists().
		ExpectStatusIn("templateStatus",
			string(models.StatusNotYetSubmitted), string(models.StatusProofAvailable),
			string(models.StatusSubmitted)).
		IncrementLockNumber()

	return r.apply(ctx, "mark_submitted", user, id, update)
}

// RequestProof asks the proofing pipeline for letter proofs. Only an
// unsubmitted letter may request one.
func (r *Repository) RequestProof(ctx context.Context, user models.User, id string, lockNumber int64) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("request_proof", start, err) }()

	update := store.NewUpdate().
		Set("templateStatus", string(models.StatusPendingProofRequest)).
		Set("updatedAt", r.timestamp()).
		Set("updatedBy", models.InternalUserKey(user)).
		ExpectExists().
		ExpectLockNumber(lockNumber).
		ExpectStatusIn("templateStatus", string(models.StatusNotYetSubmitted)).
		ExpectFieldEquals("templateType", string(models.TemplateTypeLetter)).
		IncrementLockNumber()

	return r.apply(ctx, "request_proof", user, id, update)
}

// AcknowledgeProofRequest is the pipeline callback confirming the proof
// request was picked up. Any previously stored proofs are cleared.
func (r *Repository) AcknowledgeProofRequest(ctx context.Context, user models.User, id string) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("acknowledge_proof_request", start, err) }()

	update := store.NewUpdate().
		Set("templateStatus", string(models.StatusWaitingForProof)).
		Set("updatedAt", r.timestamp()).
		Remove("files.proofs").
		ExpectExists().
		ExpectStatusIn("templateStatus", string(models.StatusPendingProofRequest)).
		IncrementLockNumber()

	return r.apply(ctx, "acknowledge_proof_request", user, id, update)
}

// AddProof attaches one rendered proof under proofID and promotes the
// template to PROOF_AVAILABLE. Proofs may arrive one file at a time. The
// proofID must not contain dots, which the store reads as path separators;
// the rendered file name lives inside the FileDetails.
func (r *Repository) AddProof(ctx context.Context, user models.User, id, proofID string, proof models.FileDetails) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("add_proof", start, err) }()

	if strings.Contains(proofID, ".") {
		return nil, apperrors.NewValidationFailed("Proof id must not contain dots", nil).
			WithMetadata("proofId", proofID)
	}

	update := store.NewUpdate().
		Set(fmt.Sprintf("files.proofs.%s", proofID), proof).
		Set("templateStatus", string(models.StatusProofAvailable)).
		Set("updatedAt", r.timestamp()).
		ExpectExists().
		ExpectStatusIn("templateStatus",
			string(models.StatusWaitingForProof), string(models.StatusProofAvailable)).
		IncrementLockNumber()

	return r.apply(ctx, "add_proof", user, id, update)
}

// LetterFileKind names the artifact a scan callback refers to.
type LetterFileKind string

const (
	LetterFilePdfTemplate LetterFileKind = "pdfTemplate"
	LetterFileTestDataCsv LetterFileKind = "testDataCsv"
)

// SetFileVirusScanStatus records a scan outcome for one letter artifact. A
// FAILED scan also moves the template to VIRUS_SCAN_FAILED. The write is
// rejected when the scanned file version no longer matches the stored one,
// so a late callback for a replaced upload cannot clobber it.
func (r *Repository) SetFileVirusScanStatus(
	ctx context.Context,
	user models.User,
	id string,
	file LetterFileKind,
	fileVersion string,
	status models.VirusScanStatus,
) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("set_virus_scan_status", start, err) }()

	update := store.NewUpdate().
		Set(fmt.Sprintf("files.%s.virusScanStatus", file), string(status)).
		Set("updatedAt", r.timestamp()).
		ExpectExists().
		ExpectStatusNotIn("templateStatus", pipelineForbidden...).
		ExpectFieldEquals(fmt.Sprintf("files.%s.currentVersion", file), fileVersion).
		IncrementLockNumber()
	if status == models.ScanFailed {
		update.Set("templateStatus", string(models.StatusVirusScanFailed))
	}

	return r.apply(ctx, "set_virus_scan_status", user, id, update)
}

// SetValidationResult records the letter content validation outcome. A
// failed validation moves the template to VALIDATION_FAILED; a passed one
// returns it to NOT_YET_SUBMITTED.
func (r *Repository) SetValidationResult(ctx context.Context, user models.User, id string, passed bool) (template *models.Template, err error) {
	start := r.now()
	defer func() { r.observe("set_validation_result", start, err) }()

	status := models.StatusNotYetSubmitted
	if !passed {
		status = models.StatusValidationFailed
	}

	update := store.NewUpdate().
		Set("templateStatus", string(status)).
		Set("updatedAt", r.timestamp()).
		ExpectExists().
		ExpectStatusNotIn("templateStatus", pipelineForbidden...).
		IncrementLockNumber()

	return r.apply(ctx, "set_validation_result", user, id, update)
}

// apply runs one conditional write and classifies its outcome.
func (r *Repository) apply(ctx context.Context, operation string, user models.User, id string, update *store.Update) (*models.Template, error) {
	item, err := r.backend.Update(ctx, r.table, r.key(user, id), update)
	if err != nil {
		var failed *store.ConditionFailedError
		if errors.As(err, &failed) {
			outcome := r.classifyConditionFailure(operation, failed.Current, update.Predicate)
			r.log.Info("template write rejected", map[string]interface{}{
				"templateId": id,
				"operation":  operation,
				"code":       apperrors.CodeOf(outcome),
			})
			return nil, outcome
		}
		return nil, r.infraError(ctx, operation, id, err)
	}

	template := &models.Template{}
	if err := store.UnmarshalItem(item, template); err != nil {
		return nil, apperrors.NewInternal("Failed to decode template", err).
			WithMetadata("templateId", id)
	}
	return template, nil
}

// classifyConditionFailure maps a rejected predicate onto the outcome
// taxonomy using the stored item the backend returned with the failure.
// Checked in order: the record must exist and not be soft-deleted, terminal
// statuses win over lock mismatches, and anything left is the optimistic
// lock or a status race, which callers treat identically.
func (r *Repository) classifyConditionFailure(operation string, current store.Item, p store.Predicate) error {
	status := current.String("templateStatus")

	if current == nil || status == string(models.StatusDeleted) {
		return apperrors.NewNotFound(entity)
	}
	if status == string(models.StatusSubmitted) && !containsString(p.AllowedStatuses, status) {
		return apperrors.NewAlreadySubmitted(entity, status)
	}
	if p.ExpectedLockNumber != nil && current.LockNumber() != *p.ExpectedLockNumber {
		return apperrors.NewLockFailure("template", nil)
	}
	if expected, ok := p.FieldEquals["templateType"]; ok && operation == "update" && current.String("templateType") != expected {
		return apperrors.New(apperrors.ErrCodeCannotChangeType,
			"Template type cannot be changed after creation", nil)
	}
	if operation == "submit" {
		return apperrors.New(apperrors.ErrCodeCannotSubmit,
			fmt.Sprintf("Template with status %s cannot be submitted", status), nil)
	}
	return apperrors.NewLockFailure("template", nil)
}

// infraError wraps a backend failure. A cancelled context is surfaced as
// AMBIGUOUS: the write may have been applied and the caller must re-read
// before retrying.
func (r *Repository) infraError(ctx context.Context, operation, id string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewAmbiguous("Template write interrupted; state unknown", err).
			WithMetadata("templateId", id).
			WithMetadata("operation", operation)
	}

	r.log.WithError(err).Error("template store operation failed", map[string]interface{}{
		"templateId": id,
		"operation":  operation,
	})
	return apperrors.NewInternal("Template store operation failed", err).
		WithMetadata("templateId", id).
		WithMetadata("operation", operation)
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
