// internal/models/routingconfig.go
package models

// RoutingConfigStatus is the lifecycle state of a message plan.
type RoutingConfigStatus string

const (
	RoutingConfigDraft     RoutingConfigStatus = "DRAFT"
	RoutingConfigCompleted RoutingConfigStatus = "COMPLETED"
	RoutingConfigDeleted   RoutingConfigStatus = "DELETED"
)

// Channel is one delivery channel in a cascade.
type Channel string

const (
	ChannelNHSApp Channel = "NHSAPP"
	ChannelSMS    Channel = "SMS"
	ChannelEmail  Channel = "EMAIL"
	ChannelLetter Channel = "LETTER"
)

// ChannelType marks a cascade step as the primary channel or a fallback.
type ChannelType string

const (
	ChannelTypePrimary  ChannelType = "primary"
	ChannelTypeFallback ChannelType = "fallback"
)

// CascadeGroupName names a group of cascade steps that overrides apply to.
type CascadeGroupName string

const (
	CascadeGroupStandard     CascadeGroupName = "standard"
	CascadeGroupAccessible   CascadeGroupName = "accessible"
	CascadeGroupTranslations CascadeGroupName = "translations"
)

// ConditionalTemplate is a template reference selected by a runtime
// attribute: exactly one of Language or AccessibleFormat is set.
type ConditionalTemplate struct {
	Language         Language   `json:"language,omitempty"`
	AccessibleFormat LetterType `json:"accessibleFormat,omitempty"`
	TemplateID       *string    `json:"templateId"`
}

// IsLanguage reports whether the selector is a language.
func (c ConditionalTemplate) IsLanguage() bool {
	return c.Language != ""
}

// IsAccessibleFormat reports whether the selector is an accessible format.
func (c ConditionalTemplate) IsAccessibleFormat() bool {
	return c.AccessibleFormat != ""
}

// CascadeItem is one step in the channel fallback ordering. Channel order is
// fixed at creation time; only the template references inside a step change.
type CascadeItem struct {
	Channel              Channel               `json:"channel"`
	ChannelType          ChannelType           `json:"channelType"`
	CascadeGroups        []CascadeGroupName    `json:"cascadeGroups"`
	DefaultTemplateID    *string               `json:"defaultTemplateId"`
	ConditionalTemplates []ConditionalTemplate `json:"conditionalTemplates,omitempty"`
}

// CascadeGroup is a derived override recording which conditional variants are
// currently populated for a named group. It is a materialized view over the
// cascade's conditional templates and is recomputed on every cascade
// mutation, never edited independently.
type CascadeGroup struct {
	Name             CascadeGroupName `json:"name"`
	AccessibleFormat []LetterType     `json:"accessibleFormat,omitempty"`
	Language         []Language       `json:"language,omitempty"`
}

// RoutingConfig is a message plan: an ordered cascade of channel steps with
// default and conditional template references.
type RoutingConfig struct {
	Record
	Name                  string              `json:"name"`
	CampaignID            string              `json:"campaignId"`
	Status                RoutingConfigStatus `json:"status"`
	DefaultCascadeGroup   CascadeGroupName    `json:"defaultCascadeGroup"`
	Cascade               []CascadeItem       `json:"cascade"`
	CascadeGroupOverrides []CascadeGroup      `json:"cascadeGroupOverrides"`
}
