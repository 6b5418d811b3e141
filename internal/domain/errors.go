package domain

import (
	"errors"
	"fmt"
)

// Error codes
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeMissingChunks  = "MISSING_CHUNKS"
	ErrCodeDigestMismatch = "DIGEST_MISMATCH"
	ErrCodeStructural     = "STRUCTURAL_ERROR"
	ErrCodeStorage        = "STORAGE_ERROR"
	ErrCodeBackpressure   = "BACKPRESSURE"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// DomainError represents a service-level error with a stable code,
// optional structured details, and an optional cause.
type DomainError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is by matching on code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new domain error.
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{Code: code, Message: message, Err: err}
}

// WithDetails returns a copy of the error carrying structured details.
func (e *DomainError) WithDetails(details map[string]any) *DomainError {
	return &DomainError{Code: e.Code, Message: e.Message, Details: details, Err: e.Err}
}

// WithMessage returns a copy of the error with a more specific message.
func (e *DomainError) WithMessage(message string) *DomainError {
	return &DomainError{Code: e.Code, Message: message, Details: e.Details, Err: e.Err}
}

// Predefined errors
var (
	ErrSessionNotFound = &DomainError{
		Code:    ErrCodeNotFound,
		Message: "upload session not found",
	}
	ErrSessionExpired = &DomainError{
		Code:    ErrCodeConflict,
		Message: "upload session has expired",
	}
	ErrSessionTerminal = &DomainError{
		Code:    ErrCodeConflict,
		Message: "upload session is in a terminal state",
	}
	ErrIllegalTransition = &DomainError{
		Code:    ErrCodeConflict,
		Message: "illegal session state transition",
	}
	ErrBadIndex = &DomainError{
		Code:    ErrCodeValidation,
		Message: "chunk index out of range",
	}
	ErrBadChunkSize = &DomainError{
		Code:    ErrCodeValidation,
		Message: "chunk payload size does not match session chunk size",
	}
	ErrFileTooLarge = &DomainError{
		Code:    ErrCodeValidation,
		Message: "declared size exceeds maximum allowed",
	}
	ErrInvalidFileType = &DomainError{
		Code:    ErrCodeValidation,
		Message: "file type is not allowed",
	}
	ErrMissingChunks = &DomainError{
		Code:    ErrCodeMissingChunks,
		Message: "completion attempted with missing chunks",
	}
	ErrDigestMismatch = &DomainError{
		Code:    ErrCodeDigestMismatch,
		Message: "assembled object failed integrity check",
	}
	ErrStructural = &DomainError{
		Code:    ErrCodeStructural,
		Message: "assembled object failed structural validation",
	}
	ErrStorage = &DomainError{
		Code:    ErrCodeStorage,
		Message: "storage operation failed",
	}
	ErrObjectNotFound = &DomainError{
		Code:    ErrCodeNotFound,
		Message: "stored object not found",
	}
	ErrBackpressure = &DomainError{
		Code:    ErrCodeBackpressure,
		Message: "resource exhausted, retry after delay",
	}
)

// ErrorCode extracts the stable code from any error chain.
func ErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ErrCodeInternal
}

// ErrorDetails extracts structured details from an error chain, or nil.
func ErrorDetails(err error) map[string]any {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// IsRetriable reports whether the client may safely retry the operation.
func IsRetriable(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeStorage, ErrCodeBackpressure:
		return true
	}
	return false
}
