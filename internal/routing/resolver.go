// internal/routing/resolver.go

// Package routing holds the pure cascade transformations applied to a
// routing configuration before it is handed to the store layer. Every
// function is total over well-formed input, allocates new values, and never
// mutates its arguments, so calls are safe from any number of goroutines.
package routing

import (
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/models"
)

// CollectTemplateIDs returns the set of every non-null default and
// conditional template id referenced across the cascade.
func CollectTemplateIDs(cascade []models.CascadeItem) map[string]struct{} {
	ids := make(map[string]struct{})

	for _, item := range cascade {
		if item.DefaultTemplateID != nil {
			ids[*item.DefaultTemplateID] = struct{}{}
		}
		for _, conditional := range item.ConditionalTemplates {
			if conditional.TemplateID != nil {
				ids[*conditional.TemplateID] = struct{}{}
			}
		}
	}

	return ids
}

// TemplateIDList returns the referenced template ids in cascade order,
// de-duplicated. Useful where a deterministic slice is needed rather than a
// set, e.g. transactional existence checks.
func TemplateIDList(cascade []models.CascadeItem) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(id *string) {
		if id == nil {
			return
		}
		if _, ok := seen[*id]; ok {
			return
		}
		seen[*id] = struct{}{}
		out = append(out, *id)
	}

	for _, item := range cascade {
		add(item.DefaultTemplateID)
		for _, conditional := range item.ConditionalTemplates {
			add(conditional.TemplateID)
		}
	}

	return out
}

// RemoveTemplates returns a copy of the cascade with every reference to the
// given template ids detached: matching default ids are nulled, matching
// conditional entries are dropped entirely (selector included), and each
// item's cascade groups are recomputed from what remains. A cascade with no
// matching ids comes back value-equal to the input.
func RemoveTemplates(cascade []models.CascadeItem, idsToRemove []string) []models.CascadeItem {
	remove := make(map[string]struct{}, len(idsToRemove))
	for _, id := range idsToRemove {
		remove[id] = struct{}{}
	}

	out := make([]models.CascadeItem, len(cascade))
	for i, item := range cascade {
		out[i] = removeFromItem(item, remove)
	}
	return out
}

func removeFromItem(item models.CascadeItem, remove map[string]struct{}) models.CascadeItem {
	updated := item

	if item.DefaultTemplateID != nil {
		if _, gone := remove[*item.DefaultTemplateID]; gone {
			updated.DefaultTemplateID = nil
		}
	}

	if len(item.ConditionalTemplates) > 0 {
		kept := make([]models.ConditionalTemplate, 0, len(item.ConditionalTemplates))
		for _, conditional := range item.ConditionalTemplates {
			if conditional.TemplateID != nil {
				if _, gone := remove[*conditional.TemplateID]; gone {
					continue
				}
			}
			kept = append(kept, conditional)
		}
		if len(kept) == 0 {
			kept = nil
		}
		updated.ConditionalTemplates = kept
	}

	updated.CascadeGroups = buildCascadeGroups(updated)

	return updated
}

// buildCascadeGroups derives the group memberships of a single cascade item
// from its surviving conditional templates. Every item belongs to the
// standard group.
func buildCascadeGroups(item models.CascadeItem) []models.CascadeGroupName {
	groups := []models.CascadeGroupName{models.CascadeGroupStandard}

	hasAccessible := false
	hasLanguage := false
	for _, conditional := range item.ConditionalTemplates {
		if conditional.IsAccessibleFormat() {
			hasAccessible = true
		}
		if conditional.IsLanguage() {
			hasLanguage = true
		}
	}

	if hasAccessible {
		groups = append(groups, models.CascadeGroupAccessible)
	}
	if hasLanguage {
		groups = append(groups, models.CascadeGroupTranslations)
	}

	return groups
}

// RemainingLanguages returns, in first-seen cascade order, the language
// selectors whose conditional entry still has a live template reference.
func RemainingLanguages(cascade []models.CascadeItem) []models.Language {
	seen := make(map[models.Language]struct{})
	var out []models.Language

	for _, item := range cascade {
		for _, conditional := range item.ConditionalTemplates {
			if !conditional.IsLanguage() || conditional.TemplateID == nil {
				continue
			}
			if _, ok := seen[conditional.Language]; ok {
				continue
			}
			seen[conditional.Language] = struct{}{}
			out = append(out, conditional.Language)
		}
	}

	return out
}

// RemainingAccessibleFormats returns, in first-seen cascade order, the
// accessible-format selectors whose conditional entry still has a live
// template reference.
func RemainingAccessibleFormats(cascade []models.CascadeItem) []models.LetterType {
	seen := make(map[models.LetterType]struct{})
	var out []models.LetterType

	for _, item := range cascade {
		for _, conditional := range item.ConditionalTemplates {
			if !conditional.IsAccessibleFormat() || conditional.TemplateID == nil {
				continue
			}
			if _, ok := seen[conditional.AccessibleFormat]; ok {
				continue
			}
			seen[conditional.AccessibleFormat] = struct{}{}
			out = append(out, conditional.AccessibleFormat)
		}
	}

	return out
}

// ReconcileGroupOverrides recomputes every override's variant set from the
// cascade and drops overrides whose recomputed set is empty. The standard
// group carries no variant set and always survives. Callers must write the
// returned overrides and the mutated cascade in the same conditional update.
func ReconcileGroupOverrides(overrides []models.CascadeGroup, cascade []models.CascadeItem) []models.CascadeGroup {
	languages := RemainingLanguages(cascade)
	formats := RemainingAccessibleFormats(cascade)

	out := make([]models.CascadeGroup, 0, len(overrides))
	for _, override := range overrides {
		switch override.Name {
		case models.CascadeGroupTranslations:
			if len(languages) == 0 {
				continue
			}
			out = append(out, models.CascadeGroup{
				Name:     models.CascadeGroupTranslations,
				Language: append([]models.Language(nil), languages...),
			})
		case models.CascadeGroupAccessible:
			if len(formats) == 0 {
				continue
			}
			out = append(out, models.CascadeGroup{
				Name:             models.CascadeGroupAccessible,
				AccessibleFormat: append([]models.LetterType(nil), formats...),
			})
		default:
			out = append(out, override)
		}
	}

	return out
}

// DetachTemplates composes RemoveTemplates and ReconcileGroupOverrides so a
// caller always rewrites the cascade and its overrides together.
func DetachTemplates(
	cascade []models.CascadeItem,
	overrides []models.CascadeGroup,
	idsToRemove []string,
) ([]models.CascadeItem, []models.CascadeGroup) {
	updated := RemoveTemplates(cascade, idsToRemove)
	return updated, ReconcileGroupOverrides(overrides, updated)
}

// References reports whether any cascade step references the template id,
// either as a default or through a conditional entry.
func References(cascade []models.CascadeItem, templateID string) bool {
	for _, item := range cascade {
		if item.DefaultTemplateID != nil && *item.DefaultTemplateID == templateID {
			return true
		}
		for _, conditional := range item.ConditionalTemplates {
			if conditional.TemplateID != nil && *conditional.TemplateID == templateID {
				return true
			}
		}
	}
	return false
}

// ChannelsMissingTemplates returns the indices of cascade steps that have no
// default template assigned. Conditional entries are optional and ignored.
func ChannelsMissingTemplates(cascade []models.CascadeItem) []int {
	var missing []int
	for i, item := range cascade {
		if item.DefaultTemplateID == nil {
			missing = append(missing, i)
		}
	}
	return missing
}
