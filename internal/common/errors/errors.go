// Package errors provides the standardized error taxonomy shared by the
// content, answer, and navigation services.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Content store / version lifecycle
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeImmutableRevision ErrorCode = "IMMUTABLE_REVISION"
	ErrCodeVersionConflict   ErrorCode = "VERSION_CONFLICT"
	ErrCodeDanglingReference ErrorCode = "DANGLING_REFERENCE"
	ErrCodePublishInProgress ErrorCode = "PUBLISH_IN_PROGRESS"

	// Answer store / navigation
	ErrCodeStaleApplication          ErrorCode = "STALE_APPLICATION"
	ErrCodeIncompleteRequiredAnswers ErrorCode = "INCOMPLETE_REQUIRED_ANSWERS"
	ErrCodeDuplicateSubmission       ErrorCode = "DUPLICATE_SUBMISSION"
	ErrCodeIneligible                ErrorCode = "INELIGIBLE"

	// External collaborators / infrastructure
	ErrCodeServiceAreaLookupFailed ErrorCode = "SERVICE_AREA_LOOKUP_FAILED"
	ErrCodeStorageFailed           ErrorCode = "STORAGE_FAILED"
	ErrCodeInvalidPredicate        ErrorCode = "INVALID_PREDICATE"
	ErrCodeInvalidAnswer           ErrorCode = "INVALID_ANSWER"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any, to errors.Is/As.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// ==========================
// 2. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotFoundError reports an entity that has never existed.
func NewNotFoundError(entity, name string) *StandardError {
	return newError(ErrCodeNotFound, fmt.Sprintf("%s not found", entity), name, false)
}

// NewImmutableRevisionError reports a write attempted outside the draft
// version.
func NewImmutableRevisionError(details string) *StandardError {
	return newError(ErrCodeImmutableRevision, "published revisions are immutable", details, false)
}

// NewVersionConflictError reports an edit racing the version lifecycle,
// such as creating an entity whose name is already taken.
func NewVersionConflictError(details string) *StandardError {
	return newError(ErrCodeVersionConflict, "version state conflict", details, false)
}

// NewDanglingReferenceError reports a publish-time integrity violation: a
// program in the outgoing draft references a question with no revision in
// that draft.
func NewDanglingReferenceError(programSlug, questionName string) *StandardError {
	return newError(ErrCodeDanglingReference, "program references a question missing from the draft",
		fmt.Sprintf("program: %s, question: %s", programSlug, questionName), false)
}

// NewPublishInProgressError reports a publish rejected because another
// publish holds the version pointer.
func NewPublishInProgressError() *StandardError {
	return newError(ErrCodePublishInProgress, "another publish is in progress", "", true)
}

// NewStaleApplicationError reports an optimistic token mismatch, usually an
// applicant with two tabs open.
func NewStaleApplicationError(expected, actual int64) *StandardError {
	return newError(ErrCodeStaleApplication, "there has been an update to the application",
		fmt.Sprintf("expected token %d, current token %d", expected, actual), false)
}

// NewIncompleteRequiredAnswersError reports a navigational save blocked by
// missing or deleted required answers.
func NewIncompleteRequiredAnswersError(blockID string, missing []string) *StandardError {
	return newError(ErrCodeIncompleteRequiredAnswers, "required answers missing",
		fmt.Sprintf("block: %s, questions: %s", blockID, strings.Join(missing, ", ")), false)
}

// NewDuplicateSubmissionError reports a submission identical to the latest
// archived application for the same applicant and program.
func NewDuplicateSubmissionError(applicationID string) *StandardError {
	return newError(ErrCodeDuplicateSubmission, "application already submitted with no changes",
		fmt.Sprintf("applicationId: %s", applicationID), false)
}

// NewIneligibleError reports a gating eligibility failure at submit.
func NewIneligibleError(programSlug string) *StandardError {
	return newError(ErrCodeIneligible, "applicant does not qualify for this program",
		fmt.Sprintf("program: %s", programSlug), false)
}

// NewServiceAreaLookupFailedError reports a failed external service-area
// resolution. Distinct from "not yet answered": the leaf still evaluates
// false, but the caller is told the lookup itself failed.
func NewServiceAreaLookupFailedError(err error) *StandardError {
	e := newError(ErrCodeServiceAreaLookupFailed, "service area lookup failed", err.Error(), true)
	e.cause = err
	return e
}

// NewStorageFailedError wraps an infrastructure failure from postgres or
// redis.
func NewStorageFailedError(op string, err error) *StandardError {
	e := newError(ErrCodeStorageFailed, "storage operation failed",
		fmt.Sprintf("op: %s, error: %s", op, err.Error()), true)
	e.cause = err
	return e
}

// NewInvalidPredicateError reports an authoring-time predicate rejection.
func NewInvalidPredicateError(details string) *StandardError {
	return newError(ErrCodeInvalidPredicate, "predicate failed validation", details, false)
}

// NewInvalidAnswerError reports a raw submission value that does not parse
// as its question's scalar type.
func NewInvalidAnswerError(questionName, details string) *StandardError {
	return newError(ErrCodeInvalidAnswer, "answer failed validation",
		fmt.Sprintf("question: %s, %s", questionName, details), false)
}

// ==========================
// 3. Inspection Helpers
// ==========================

// AsStandard extracts a *StandardError from an error chain.
func AsStandard(err error) (*StandardError, bool) {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the code of the first StandardError in the chain, or the
// empty string.
func CodeOf(err error) ErrorCode {
	if se, ok := AsStandard(err); ok {
		return se.Code
	}
	return ""
}

// HasCode reports whether the chain contains a StandardError with the given
// code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the error is worth retrying. User-facing
// states such as STALE_APPLICATION and DUPLICATE_SUBMISSION are never
// retryable: silently retrying them would mask real state the applicant
// must see.
func IsRetryable(err error) bool {
	if se, ok := AsStandard(err); ok {
		return se.Retryable
	}
	return false
}

// Category groups codes for metrics labels.
func Category(code ErrorCode) string {
	switch code {
	case ErrCodeNotFound, ErrCodeImmutableRevision, ErrCodeVersionConflict,
		ErrCodeDanglingReference, ErrCodePublishInProgress:
		return "CONTENT"
	case ErrCodeStaleApplication, ErrCodeIncompleteRequiredAnswers,
		ErrCodeDuplicateSubmission, ErrCodeIneligible:
		return "APPLICATION"
	case ErrCodeServiceAreaLookupFailed:
		return "EXTERNAL"
	case ErrCodeInvalidPredicate, ErrCodeInvalidAnswer:
		return "VALIDATION"
	case ErrCodeStorageFailed:
		return "STORAGE"
	default:
		return "OTHER"
	}
}
