package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorIs(t *testing.T) {
	err := New(ErrorTypeAlignmentFailed, "no token run matched").WithField("name")
	wrapped := fmt.Errorf("feedback: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrAlignmentFailed))
	assert.False(t, stderrors.Is(wrapped, ErrStorage))
	assert.Equal(t, ErrorTypeAlignmentFailed, TypeOf(wrapped))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(stderrors.New("plain")))
}

func TestEngineErrorMessage(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(ErrorTypeStorage, "save model", cause).WithContext("tagger.json")

	assert.Contains(t, err.Error(), "[STORAGE] save model")
	assert.Contains(t, err.Error(), "tagger.json")
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, stderrors.Is(err, cause))
	assert.False(t, err.Recoverable)
}

func TestErrorTypeRecoverability(t *testing.T) {
	tests := []struct {
		errorType   ErrorType
		recoverable bool
		severity    ErrorSeverity
	}{
		{ErrorTypeNoData, true, SeverityInfo},
		{ErrorTypeModelUnavailable, true, SeverityWarning},
		{ErrorTypeLeakageDetected, true, SeverityWarning},
		{ErrorTypeAlignmentFailed, true, SeverityWarning},
		{ErrorTypeStorage, false, SeverityCritical},
		{ErrorTypeTimeout, false, SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.errorType.String(), func(t *testing.T) {
			assert.Equal(t, tt.recoverable, tt.errorType.IsRecoverable())
			assert.Equal(t, tt.severity, tt.errorType.GetSeverity())
		})
	}
}

func TestErrorCollection(t *testing.T) {
	ec := NewErrorCollection()
	assert.Equal(t, "No errors or warnings", ec.Summary())

	ec.Add(New(ErrorTypeLowDiversity, "few unique label sequences"))
	ec.Add(New(ErrorTypeStorage, "write failed"))

	errs, warns := ec.Count()
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, warns)
	assert.True(t, ec.HasErrors())
	assert.Len(t, ec.Messages(), 2)
	assert.Contains(t, ec.Summary(), "1 error(s) and 1 warning(s)")
}
