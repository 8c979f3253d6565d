// internal/common/errors/errors_test.go
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeConflict, CodeOf(NewLockFailure("template", nil)))
	assert.Equal(t, ErrCodeNotFound, CodeOf(NewNotFound("Template")))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("plain")))

	wrapped := fmt.Errorf("context: %w", NewAlreadySubmitted("Template", "SUBMITTED"))
	assert.Equal(t, ErrCodeAlreadySubmitted, CodeOf(wrapped))
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(NewInternal("backend down", nil)),
		"infrastructure faults are retryable without re-reading")
	assert.False(t, IsRetryable(NewLockFailure("template", nil)),
		"a lock failure requires a re-read before retrying")
	assert.False(t, IsRetryable(NewAmbiguous("interrupted", nil)),
		"an ambiguous outcome requires a re-read before retrying")
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root")
	err := NewInternal("wrapper", cause)

	assert.ErrorIs(t, err, cause)
}

func TestWithMetadata(t *testing.T) {
	err := NewNotFound("Template").
		WithMetadata("templateId", "t1").
		WithMetadata("operation", "get")

	assert.Equal(t, "t1", err.Metadata["templateId"])
	assert.Equal(t, "get", err.Metadata["operation"])
}
