package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// EngineError represents an extraction or learning failure with enough context to triage it
type EngineError struct {
	Type        ErrorType `json:"type"`
	Message     string    `json:"message"`
	Context     string    `json:"context,omitempty"`
	Field       string    `json:"field,omitempty"`
	Document    string    `json:"document,omitempty"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
	Err         error     `json:"-"`
}

// ErrorType represents the categories of engine errors
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeNoData
	ErrorTypeModelUnavailable
	ErrorTypeMalformedConfig
	ErrorTypeLeakageDetected
	ErrorTypeLowDiversity
	ErrorTypeAlignmentFailed
	ErrorTypeStorage
	ErrorTypeTimeout
	ErrorTypeInvalidInput
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// Sentinels usable with errors.Is; only the Type is compared
var (
	ErrNoData           = &EngineError{Type: ErrorTypeNoData}
	ErrModelUnavailable = &EngineError{Type: ErrorTypeModelUnavailable}
	ErrMalformedConfig  = &EngineError{Type: ErrorTypeMalformedConfig}
	ErrAlignmentFailed  = &EngineError{Type: ErrorTypeAlignmentFailed}
	ErrStorage          = &EngineError{Type: ErrorTypeStorage}
	ErrTimeout          = &EngineError{Type: ErrorTypeTimeout}
	ErrInvalidInput     = &EngineError{Type: ErrorTypeInvalidInput}
)

// Error implements the error interface
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type.String(), e.Message)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches any EngineError of the same type
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Type == e.Type
}

// String returns a string representation of the ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeNoData:
		return "NO_DATA"
	case ErrorTypeModelUnavailable:
		return "MODEL_UNAVAILABLE"
	case ErrorTypeMalformedConfig:
		return "MALFORMED_CONFIG"
	case ErrorTypeLeakageDetected:
		return "LEAKAGE_DETECTED"
	case ErrorTypeLowDiversity:
		return "LOW_DIVERSITY"
	case ErrorTypeAlignmentFailed:
		return "ALIGNMENT_FAILED"
	case ErrorTypeStorage:
		return "STORAGE"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeInvalidInput:
		return "INVALID_INPUT"
	default:
		return "UNKNOWN"
	}
}

// GetSeverity returns the severity level for a given error type
func (et ErrorType) GetSeverity() ErrorSeverity {
	switch et {
	case ErrorTypeNoData:
		return SeverityInfo
	case ErrorTypeLeakageDetected, ErrorTypeLowDiversity, ErrorTypeAlignmentFailed, ErrorTypeModelUnavailable:
		return SeverityWarning
	case ErrorTypeMalformedConfig, ErrorTypeInvalidInput, ErrorTypeTimeout:
		return SeverityError
	case ErrorTypeStorage:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// IsRecoverable determines if an error type lets extraction or training continue
func (et ErrorType) IsRecoverable() bool {
	switch et {
	case ErrorTypeNoData, ErrorTypeModelUnavailable, ErrorTypeMalformedConfig:
		return true // degrade to the remaining strategies
	case ErrorTypeLeakageDetected, ErrorTypeLowDiversity, ErrorTypeAlignmentFailed:
		return true // training still completes
	default:
		return false
	}
}

// New creates an EngineError of the given type
func New(errorType ErrorType, message string) *EngineError {
	return &EngineError{
		Type:        errorType,
		Message:     message,
		Recoverable: errorType.IsRecoverable(),
		Timestamp:   time.Now(),
	}
}

// Wrap wraps a standard error as an EngineError
func Wrap(errorType ErrorType, message string, err error) *EngineError {
	e := New(errorType, message)
	e.Err = err
	return e
}

// WithContext adds context to an existing EngineError
func (e *EngineError) WithContext(context string) *EngineError {
	e.Context = context
	return e
}

// WithField records the field the error relates to
func (e *EngineError) WithField(field string) *EngineError {
	e.Field = field
	return e
}

// WithDocument records the document the error relates to
func (e *EngineError) WithDocument(document string) *EngineError {
	e.Document = document
	return e
}

// GetSeverity returns the severity of this specific error
func (e *EngineError) GetSeverity() ErrorSeverity {
	return e.Type.GetSeverity()
}

// TypeOf returns the ErrorType of err, or ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Type
	}
	return ErrorTypeUnknown
}

// ErrorCollection separates errors from warnings by severity
type ErrorCollection struct {
	Errors   []*EngineError `json:"errors"`
	Warnings []*EngineError `json:"warnings"`
}

// NewErrorCollection creates an empty collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors:   make([]*EngineError, 0),
		Warnings: make([]*EngineError, 0),
	}
}

// Add adds an error to the appropriate list based on severity
func (ec *ErrorCollection) Add(err *EngineError) {
	severity := err.GetSeverity()
	if severity == SeverityWarning || severity == SeverityInfo {
		ec.Warnings = append(ec.Warnings, err)
	} else {
		ec.Errors = append(ec.Errors, err)
	}
}

// HasErrors reports whether any non-warning entry was added
func (ec *ErrorCollection) HasErrors() bool {
	return len(ec.Errors) > 0
}

// Count returns the total number of errors and warnings
func (ec *ErrorCollection) Count() (errors, warnings int) {
	return len(ec.Errors), len(ec.Warnings)
}

// Messages returns error messages followed by warning messages
func (ec *ErrorCollection) Messages() []string {
	out := make([]string, 0, len(ec.Warnings)+len(ec.Errors))
	for _, e := range ec.Errors {
		out = append(out, e.Error())
	}
	for _, w := range ec.Warnings {
		out = append(out, w.Error())
	}
	return out
}

// Summary returns a text summary of all errors and warnings
func (ec *ErrorCollection) Summary() string {
	errorCount, warningCount := ec.Count()
	if errorCount == 0 && warningCount == 0 {
		return "No errors or warnings"
	}
	return fmt.Sprintf("Found %d error(s) and %d warning(s)", errorCount, warningCount)
}
