// internal/models/template_test.go
package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateMarshal_FlattensChannelPayload(t *testing.T) {
	template := Template{
		Record:         Record{ID: "t1", Owner: "CLIENT#c1", ClientID: "c1"},
		TemplateType:   TemplateTypeEmail,
		TemplateStatus: StatusNotYetSubmitted,
		Name:           "newsletter",
		Email:          &EmailProperties{Subject: "News", Message: "Hello"},
	}

	raw, err := json.Marshal(template)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "News", doc["subject"], "payload fields sit flat in the document")
	assert.Equal(t, "Hello", doc["message"])
	assert.Equal(t, "EMAIL", doc["templateType"])
	assert.NotContains(t, doc, "Email")
}

func TestTemplateUnmarshal_SelectsVariant(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		check func(t *testing.T, template *Template)
	}{
		{
			name: "nhs app",
			doc:  `{"id":"t1","templateType":"NHS_APP","templateStatus":"NOT_YET_SUBMITTED","name":"n","message":"in app"}`,
			check: func(t *testing.T, template *Template) {
				require.NotNil(t, template.NHSApp)
				assert.Equal(t, "in app", template.NHSApp.Message)
				assert.Nil(t, template.SMS)
			},
		},
		{
			name: "sms",
			doc:  `{"id":"t2","templateType":"SMS","templateStatus":"NOT_YET_SUBMITTED","name":"n","message":"by text"}`,
			check: func(t *testing.T, template *Template) {
				require.NotNil(t, template.SMS)
				assert.Equal(t, "by text", template.SMS.Message)
			},
		},
		{
			name: "letter",
			doc: `{"id":"t3","templateType":"LETTER","templateStatus":"PROOF_AVAILABLE","name":"n",
				"letterType":"x1","language":"fr",
				"files":{"pdfTemplate":{"fileName":"a.pdf","currentVersion":"v1","virusScanStatus":"PASSED"},
				"proofs":{"proof-1":{"fileName":"p.pdf","currentVersion":"v1","virusScanStatus":"PASSED"}}}}`,
			check: func(t *testing.T, template *Template) {
				require.NotNil(t, template.Letter)
				assert.Equal(t, LetterTypeX1, template.Letter.LetterType)
				assert.Equal(t, Language("fr"), template.Letter.Language)
				require.NotNil(t, template.Files())
				assert.Equal(t, ScanPassed, template.Files().PdfTemplate.VirusScanStatus)
				assert.Contains(t, template.Files().Proofs, "proof-1")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			template := &Template{}
			require.NoError(t, json.Unmarshal([]byte(tt.doc), template))
			tt.check(t, template)
		})
	}
}

func TestTemplateUnmarshal_RejectsUnknownType(t *testing.T) {
	template := &Template{}

	err := json.Unmarshal([]byte(`{"id":"t1","templateType":"PIGEON","name":"n"}`), template)
	assert.ErrorContains(t, err, "unknown templateType")

	err = json.Unmarshal([]byte(`{"id":"t1","name":"n"}`), template)
	assert.ErrorContains(t, err, "missing templateType")
}

func TestTemplateRoundTrip(t *testing.T) {
	original := Template{
		Record:         Record{ID: "t1", Owner: "CLIENT#c1", ClientID: "c1", LockNumber: 3},
		TemplateType:   TemplateTypeSMS,
		TemplateStatus: StatusNotYetSubmitted,
		Name:           "reminder",
		SMS:            &SMSProperties{Message: "hi"},
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	decoded := Template{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, original, decoded)
}

func TestTemplateStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusSubmitted.IsTerminal())
	assert.True(t, StatusDeleted.IsTerminal())
	assert.False(t, StatusNotYetSubmitted.IsTerminal())
	assert.False(t, StatusProofAvailable.IsTerminal())
}

func TestOwnerKeys(t *testing.T) {
	assert.Equal(t, "CLIENT#abc", ClientOwnerKey("abc"))
	assert.Equal(t, "INTERNAL_USER#u1", InternalUserKey(User{ClientID: "abc", InternalUserID: "u1"}))
}

func TestTemplateMessage(t *testing.T) {
	sms := Template{TemplateType: TemplateTypeSMS, SMS: &SMSProperties{Message: "a"}}
	assert.Equal(t, "a", sms.Message())

	letter := Template{TemplateType: TemplateTypeLetter, Letter: &LetterProperties{}}
	assert.Empty(t, letter.Message())
	assert.Nil(t, letter.Files())
}
