// internal/models/template.go
package models

import (
	"encoding/json"
	"fmt"
)

// TemplateType is the delivery channel a template is authored for.
type TemplateType string

const (
	TemplateTypeNHSApp TemplateType = "NHS_APP"
	TemplateTypeEmail  TemplateType = "EMAIL"
	TemplateTypeSMS    TemplateType = "SMS"
	TemplateTypeLetter TemplateType = "LETTER"
)

// TemplateStatus is the lifecycle state machine over a template.
type TemplateStatus string

const (
	StatusNotYetSubmitted     TemplateStatus = "NOT_YET_SUBMITTED"
	StatusPendingProofRequest TemplateStatus = "PENDING_PROOF_REQUEST"
	StatusWaitingForProof     TemplateStatus = "WAITING_FOR_PROOF"
	StatusProofAvailable      TemplateStatus = "PROOF_AVAILABLE"
	StatusVirusScanFailed     TemplateStatus = "VIRUS_SCAN_FAILED"
	StatusValidationFailed    TemplateStatus = "VALIDATION_FAILED"
	StatusSubmitted           TemplateStatus = "SUBMITTED"
	StatusDeleted             TemplateStatus = "DELETED"
)

// TerminalStatuses are states that accept no further content edits.
var TerminalStatuses = []TemplateStatus{StatusSubmitted, StatusDeleted}

// IsTerminal reports whether no further content edits are permitted.
func (s TemplateStatus) IsTerminal() bool {
	return s == StatusSubmitted || s == StatusDeleted
}

// VirusScanStatus is the per-file scan outcome for letter artifacts.
type VirusScanStatus string

const (
	ScanPending VirusScanStatus = "PENDING"
	ScanPassed  VirusScanStatus = "PASSED"
	ScanFailed  VirusScanStatus = "FAILED"
)

// Language is an ISO 639-1 code accepted for translated letters.
type Language string

// Languages supported for translated letter variants.
var Languages = []Language{
	"ar", "bg", "bn", "de", "el", "en", "es", "fa", "fr", "gu",
	"hi", "hu", "it", "ku", "lt", "lv", "ne", "pa", "pl", "pt",
	"ro", "ru", "sk", "so", "sq", "ta", "tr", "ur", "zh",
}

// LetterType is the accessible-format classification of a letter template.
type LetterType string

const (
	LetterTypeQ1 LetterType = "q1"
	LetterTypeQ4 LetterType = "q4"
	LetterTypeX0 LetterType = "x0"
	LetterTypeX1 LetterType = "x1"
	LetterTypeX3 LetterType = "x3"
)

// FileDetails describes one uploaded letter artifact.
type FileDetails struct {
	FileName        string          `json:"fileName"`
	CurrentVersion  string          `json:"currentVersion"`
	VirusScanStatus VirusScanStatus `json:"virusScanStatus"`
}

// LetterFiles is the artifact set attached to a letter template.
type LetterFiles struct {
	PdfTemplate *FileDetails           `json:"pdfTemplate,omitempty"`
	TestDataCsv *FileDetails           `json:"testDataCsv,omitempty"`
	Proofs      map[string]FileDetails `json:"proofs,omitempty"`
}

// Per-channel payloads. Exactly one is populated on a template, keyed by
// TemplateType; the fields marshal flat into the record document.

type NHSAppProperties struct {
	Message string `json:"message"`
}

type EmailProperties struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

type SMSProperties struct {
	Message string `json:"message"`
}

type LetterProperties struct {
	LetterType LetterType   `json:"letterType"`
	Language   Language     `json:"language"`
	Files      *LetterFiles `json:"files,omitempty"`
}

// Template is a message template owned by a client. The channel payload is a
// tagged union keyed by TemplateType; the JSON (and stored) representation is
// flat, matching the persisted record layout.
type Template struct {
	Record
	TemplateType   TemplateType   `json:"templateType"`
	TemplateStatus TemplateStatus `json:"templateStatus"`
	Name           string         `json:"name"`
	CampaignID     string         `json:"campaignId,omitempty"`

	NHSApp *NHSAppProperties `json:"-"`
	Email  *EmailProperties  `json:"-"`
	SMS    *SMSProperties    `json:"-"`
	Letter *LetterProperties `json:"-"`
}

// Message returns the channel message body, empty for letters.
func (t *Template) Message() string {
	switch {
	case t.NHSApp != nil:
		return t.NHSApp.Message
	case t.Email != nil:
		return t.Email.Message
	case t.SMS != nil:
		return t.SMS.Message
	}
	return ""
}

// Files returns the letter artifact set, nil for non-letter templates.
func (t *Template) Files() *LetterFiles {
	if t.Letter == nil {
		return nil
	}
	return t.Letter.Files
}

// templateAlias avoids recursing into the custom marshallers.
type templateAlias Template

// MarshalJSON flattens the channel payload into the record document.
func (t Template) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(templateAlias(t))
	if err != nil {
		return nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, err
	}

	var payload any
	switch t.TemplateType {
	case TemplateTypeNHSApp:
		payload = t.NHSApp
	case TemplateTypeEmail:
		payload = t.Email
	case TemplateTypeSMS:
		payload = t.SMS
	case TemplateTypeLetter:
		payload = t.Letter
	}

	if payload != nil {
		extra, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(extra, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			doc[k] = v
		}
	}

	return json.Marshal(doc)
}

// UnmarshalJSON selects the channel payload variant from templateType.
func (t *Template) UnmarshalJSON(data []byte) error {
	var alias templateAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*t = Template(alias)

	switch t.TemplateType {
	case TemplateTypeNHSApp:
		t.NHSApp = &NHSAppProperties{}
		return json.Unmarshal(data, t.NHSApp)
	case TemplateTypeEmail:
		t.Email = &EmailProperties{}
		return json.Unmarshal(data, t.Email)
	case TemplateTypeSMS:
		t.SMS = &SMSProperties{}
		return json.Unmarshal(data, t.SMS)
	case TemplateTypeLetter:
		t.Letter = &LetterProperties{}
		return json.Unmarshal(data, t.Letter)
	case "":
		return fmt.Errorf("template %s: missing templateType", t.ID)
	}

	return fmt.Errorf("template %s: unknown templateType %q", t.ID, t.TemplateType)
}
