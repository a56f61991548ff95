// Package apperr defines the error taxonomy shared by the workflow core.
package apperr

import (
	"errors"
	"fmt"
	"time"

	"ai-workflows/backend/pkg/models"
)

// Kind classifies an error for handling decisions.
type Kind string

const (
	// Configuration errors.
	KindMissingComponent     Kind = "MissingComponent"
	KindInvalidConfiguration Kind = "InvalidConfiguration"

	// Provider errors.
	KindProviderUnavailable  Kind = "ProviderUnavailable"
	KindProviderRateLimited  Kind = "ProviderRateLimited"
	KindProviderTimeout      Kind = "ProviderTimeout"
	KindToolInvocationFailed Kind = "ToolInvocationFailed"

	// Store errors.
	KindStoreUnavailable Kind = "StoreUnavailable"
	KindPayloadTooLarge  Kind = "PayloadTooLarge"

	// Concurrency errors.
	KindTaskAlreadyRunning Kind = "TaskAlreadyRunning"

	// Client errors.
	KindInvalidAction Kind = "InvalidAction"
	KindMissingTaskID Kind = "MissingTaskId"
	KindTaskNotFound  Kind = "TaskNotFound"
	KindInvalidInput  Kind = "InvalidInput"
	KindNotFound      Kind = "NotFound"

	KindInternal Kind = "Internal"
)

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Details    map[string]any
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so sentinels like ErrStoreUnavailable
// can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable[kind]}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return New(kind, format, args...).WithCause(cause)
}

var retryable = map[Kind]bool{
	KindProviderUnavailable: true,
	KindProviderRateLimited: true,
	KindProviderTimeout:     true,
	KindStoreUnavailable:    true,
}

// Sentinels for errors.Is.
var (
	ErrMissingComponent     = &Error{Kind: KindMissingComponent}
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrProviderUnavailable  = &Error{Kind: KindProviderUnavailable}
	ErrProviderRateLimited  = &Error{Kind: KindProviderRateLimited}
	ErrProviderTimeout      = &Error{Kind: KindProviderTimeout}
	ErrToolInvocationFailed = &Error{Kind: KindToolInvocationFailed}
	ErrStoreUnavailable     = &Error{Kind: KindStoreUnavailable}
	ErrPayloadTooLarge      = &Error{Kind: KindPayloadTooLarge}
	ErrTaskAlreadyRunning   = &Error{Kind: KindTaskAlreadyRunning}
	ErrInvalidAction        = &Error{Kind: KindInvalidAction}
	ErrMissingTaskID        = &Error{Kind: KindMissingTaskID}
	ErrTaskNotFound         = &Error{Kind: KindTaskNotFound}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrNotFound             = &Error{Kind: KindNotFound}
)

// KindOf returns the kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the classified error, wrapping unclassified errors as Internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, err, "unexpected error")
}

// Body converts err into the wire error object. partial marks failures that
// happened after some turns were already persisted.
func Body(err error, partial bool) *models.ErrorBody {
	e := As(err)
	body := &models.ErrorBody{
		Code:      string(e.Kind),
		Message:   e.Message,
		Retryable: e.Retryable,
		Partial:   partial,
		Details:   e.Details,
	}
	if e.RetryAfter > 0 {
		body.RetryAfter = int(e.RetryAfter.Round(time.Second) / time.Second)
		if body.RetryAfter == 0 {
			body.RetryAfter = 1
		}
	}
	return body
}
