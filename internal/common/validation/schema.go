// internal/common/validation/schema.go

// Package validation rejects malformed create/update payloads before any
// store call is attempted, so a domain validation failure never consumes a
// conditional write.
package validation

import (
	"strings"

	apperrors "github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/errors"

	"github.com/xeipuuv/gojsonschema"
)

var languageEnum = `["ar","bg","bn","de","el","en","es","fa","fr","gu","hi","hu","it","ku","lt","lv","ne","pa","pl","pt","ro","ru","sk","so","sq","ta","tr","ur","zh"]`

var createTemplateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["templateType", "name"],
  "properties": {
    "templateType": {"enum": ["NHS_APP", "EMAIL", "SMS", "LETTER"]},
    "name": {"type": "string", "minLength": 1}
  },
  "oneOf": [
    {
      "properties": {"templateType": {"const": "NHS_APP"}},
      "required": ["message"]
    },
    {
      "properties": {"templateType": {"const": "EMAIL"}},
      "required": ["subject", "message"]
    },
    {
      "properties": {"templateType": {"const": "SMS"}},
      "required": ["message"]
    },
    {
      "properties": {
        "templateType": {"const": "LETTER"},
        "letterType": {"enum": ["q1", "q4", "x0", "x1", "x3"]},
        "language": {"enum": ` + languageEnum + `}
      },
      "required": ["letterType", "language"]
    }
  ]
}`

// routingConfigProperties is shared between the create and update schemas;
// create additionally requires every field.
var routingConfigProperties = `{
    "name": {"type": "string", "minLength": 1},
    "campaignId": {"type": "string", "minLength": 1},
    "cascade": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["channel", "channelType", "cascadeGroups"],
        "properties": {
          "channel": {"enum": ["NHSAPP", "SMS", "EMAIL", "LETTER"]},
          "channelType": {"enum": ["primary", "fallback"]},
          "cascadeGroups": {
            "type": "array",
            "items": {"enum": ["standard", "accessible", "translations"]}
          },
          "defaultTemplateId": {"type": ["string", "null"]},
          "conditionalTemplates": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["templateId"],
              "properties": {
                "templateId": {"type": ["string", "null"]},
                "language": {"enum": ` + languageEnum + `},
                "accessibleFormat": {"enum": ["q1", "q4", "x0", "x1", "x3"]}
              }
            }
          }
        }
      }
    },
    "cascadeGroupOverrides": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"enum": ["standard", "accessible", "translations"]},
          "accessibleFormat": {
            "type": "array",
            "minItems": 1,
            "items": {"enum": ["q1", "q4", "x0", "x1", "x3"]}
          },
          "language": {"type": "array", "minItems": 1, "items": {"enum": ` + languageEnum + `}}
        }
      }
    }
  }`

var updateRoutingConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": ` + routingConfigProperties + `,
  "dependencies": {
    "cascade": ["cascadeGroupOverrides"],
    "cascadeGroupOverrides": ["cascade"]
  }
}`

var createRoutingConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "campaignId", "cascade", "cascadeGroupOverrides"],
  "properties": ` + routingConfigProperties + `
}`

var (
	createTemplateValidator      = mustCompile(createTemplateSchema)
	updateRoutingConfigValidator = mustCompile(updateRoutingConfigSchema)
	createRoutingConfigValidator = mustCompile(createRoutingConfigSchema)
)

func mustCompile(schema string) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic("validation: bad schema: " + err.Error())
	}
	return compiled
}

func validate(validator *gojsonschema.Schema, payload []byte, what string) error {
	result, err := validator.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return apperrors.NewValidationFailed("Invalid "+what+" payload", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		details = append(details, issue.String())
	}

	failure := apperrors.NewValidationFailed("Invalid "+what+" payload", nil)
	failure.Details = strings.Join(details, "; ")
	return failure
}

// ValidateCreateTemplate checks a create-template payload.
func ValidateCreateTemplate(payload []byte) error {
	return validate(createTemplateValidator, payload, "template")
}

// ValidateCreateRoutingConfig checks a create-routing-config payload.
func ValidateCreateRoutingConfig(payload []byte) error {
	return validate(createRoutingConfigValidator, payload, "routing config")
}

// ValidateUpdateRoutingConfig checks an update-routing-config payload. The
// cascade and its group overrides must be supplied together or not at all.
func ValidateUpdateRoutingConfig(payload []byte) error {
	return validate(updateRoutingConfigValidator, payload, "routing config")
}
