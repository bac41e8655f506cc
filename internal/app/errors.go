package app

import (
	"fmt"
	"net/http"
)

// Error codes returned to clients in the "error" field.
const (
	CodeInvalidInput    = "invalid_input"
	CodeTooLong         = "too_long"
	CodeMissingSelector = "missing_selector"
	CodeBotSuspected    = "bot_suspected"
	CodeBadOrigin       = "bad_origin"
	CodeUnauthorized    = "unauthorized"
	CodeRateLimited     = "rate_limited"
	CodeConflict        = "conflict"
	CodeNotFound        = "not_found"
	CodeInternal        = "internal_error"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	// ID is the prior annotation id carried by an idempotency conflict.
	ID int64
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

func invalidInput(message string) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidInput, message)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message)
}

func internalError(message string) *DomainError {
	return domainError(http.StatusInternalServerError, CodeInternal, message)
}
