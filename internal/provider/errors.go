package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"ai-workflows/backend/internal/apperr"
)

// Classify maps a provider failure onto the error taxonomy. parent is the
// caller's context: its cancellation is returned unchanged, while a deadline
// hit inside the call becomes ProviderTimeout.
func Classify(parent context.Context, name string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if parent != nil && parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindProviderTimeout, err, "provider %q timed out", name)
	}

	var status int
	var header http.Header
	var oaErr *openai.Error
	var anErr *anthropic.Error
	var se *StatusError
	switch {
	case errors.As(err, &oaErr):
		status = oaErr.StatusCode
		if oaErr.Response != nil {
			header = oaErr.Response.Header
		}
	case errors.As(err, &anErr):
		status = anErr.StatusCode
		if anErr.Response != nil {
			header = anErr.Response.Header
		}
	case errors.As(err, &se):
		status, header = se.StatusCode, se.Header
	}

	switch {
	case status == http.StatusTooManyRequests:
		e := apperr.Wrap(apperr.KindProviderRateLimited, err, "provider %q rate limited", name)
		e.RetryAfter = retryAfter(header)
		return e
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperr.Wrap(apperr.KindProviderTimeout, err, "provider %q timed out", name)
	default:
		return apperr.Wrap(apperr.KindProviderUnavailable, err, "provider %q unavailable", name)
	}
}

// StatusError is an HTTP failure from a provider without an SDK error type.
type StatusError struct {
	StatusCode int
	Header     http.Header
}

func (e *StatusError) Error() string {
	return "provider returned HTTP " + strconv.Itoa(e.StatusCode)
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
