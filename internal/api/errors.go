package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/pkg/models"
)

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidAction, apperr.KindMissingTaskID, apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindMissingComponent, apperr.KindInvalidConfiguration:
		return http.StatusUnprocessableEntity
	case apperr.KindTaskAlreadyRunning:
		return http.StatusConflict
	case apperr.KindTaskNotFound, apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.KindProviderRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindProviderTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindProviderUnavailable, apperr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindToolInvocationFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeEnvelope writes env with the status implied by err.
func writeEnvelope(c echo.Context, env models.Envelope, err error) error {
	status := http.StatusOK
	if err != nil {
		status = StatusFor(apperr.KindOf(err))
		if env.Error != nil && env.Error.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(env.Error.RetryAfter))
		}
	}
	return c.JSON(status, env)
}
