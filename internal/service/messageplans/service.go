// internal/service/messageplans/service.go

// Package messageplans assembles the read model the portal shows for a
// message plan: the plan itself plus the name, type and status of every
// template its cascade references. The assembled view is cached in Redis
// keyed by the plan's id and lock number, so any successful write (which
// always advances the lock number) naturally invalidates it.
package messageplans

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/errors"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/logger"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/models"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/routing"
)

// TemplateMeta is the slim template projection embedded in a plan view.
type TemplateMeta struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	TemplateType   models.TemplateType   `json:"templateType"`
	TemplateStatus models.TemplateStatus `json:"templateStatus"`
}

// PlanView is a routing config joined with its referenced templates.
type PlanView struct {
	RoutingConfig *models.RoutingConfig `json:"routingConfig"`
	Templates     []TemplateMeta        `json:"templates"`
	// MissingTemplateIDs lists references whose template no longer exists,
	// e.g. deleted templates the pruner has not detached yet.
	MissingTemplateIDs []string `json:"missingTemplateIds,omitempty"`
}

// RoutingConfigGetter fetches one plan.
type RoutingConfigGetter interface {
	Get(ctx context.Context, user models.User, id string) (*models.RoutingConfig, error)
}

// TemplateGetter fetches one template.
type TemplateGetter interface {
	Get(ctx context.Context, user models.User, id string) (*models.Template, error)
}

// Cache is the slice of the Redis wrapper the service uses.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Service resolves plan views.
type Service struct {
	configs   RoutingConfigGetter
	templates TemplateGetter
	cache     Cache
	ttl       time.Duration
	log       logger.Logger
}

// New wires a service. cache may be nil, disabling caching.
func New(configs RoutingConfigGetter, templates TemplateGetter, cache Cache, ttl time.Duration, log logger.Logger) *Service {
	return &Service{
		configs:   configs,
		templates: templates,
		cache:     cache,
		ttl:       ttl,
		log:       log,
	}
}

func cacheKey(user models.User, planID string, lockNumber int64) string {
	return fmt.Sprintf("planview:%s:%s:%d", user.ClientID, planID, lockNumber)
}

// GetPlanView returns the plan with its template metadata resolved,
// serving from cache when the plan's lock number has not moved.
func (s *Service) GetPlanView(ctx context.Context, user models.User, planID string) (*PlanView, error) {
	config, err := s.configs.Get(ctx, user, planID)
	if err != nil {
		return nil, err
	}

	key := cacheKey(user, planID, config.LockNumber)
	if cached := s.fromCache(ctx, key); cached != nil {
		return cached, nil
	}

	view := &PlanView{RoutingConfig: config}
	for _, templateID := range routing.TemplateIDList(config.Cascade) {
		template, getErr := s.templates.Get(ctx, user, templateID)
		if getErr != nil {
			if apperrors.IsNotFound(getErr) {
				view.MissingTemplateIDs = append(view.MissingTemplateIDs, templateID)
				continue
			}
			return nil, getErr
		}
		view.Templates = append(view.Templates, TemplateMeta{
			ID:             template.ID,
			Name:           template.Name,
			TemplateType:   template.TemplateType,
			TemplateStatus: template.TemplateStatus,
		})
	}

	s.toCache(ctx, key, view)
	return view, nil
}

func (s *Service) fromCache(ctx context.Context, key string) *PlanView {
	if s.cache == nil {
		return nil
	}

	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if err != redis.Nil {
			s.log.WithError(err).Warn("plan view cache read failed", map[string]interface{}{"key": key})
		}
		return nil
	}

	view := &PlanView{}
	if err := json.Unmarshal([]byte(raw), view); err != nil {
		s.log.WithError(err).Warn("dropping undecodable cached plan view", map[string]interface{}{"key": key})
		return nil
	}
	return view
}

func (s *Service) toCache(ctx context.Context, key string, view *PlanView) {
	if s.cache == nil {
		return
	}

	raw, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(raw), s.ttl); err != nil {
		s.log.WithError(err).Warn("plan view cache write failed", map[string]interface{}{"key": key})
	}
}
