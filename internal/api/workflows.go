package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/auth"
	"ai-workflows/backend/internal/services"
	"ai-workflows/backend/pkg/models"
)

// runContextParam decodes the url-encoded JSON `context` query parameter.
func runContextParam(c echo.Context) (models.RunContext, error) {
	var raw string
	if err := runtime.BindQueryParameter("form", true, false, "context", c.QueryParams(), &raw); err != nil {
		return models.RunContext{}, apperr.Wrap(apperr.KindInvalidInput, err, "invalid context parameter")
	}
	var rc models.RunContext
	if raw == "" {
		return rc, nil
	}
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return rc, apperr.Wrap(apperr.KindInvalidInput, err, "context must be a JSON object")
	}
	return rc, nil
}

func userOf(c echo.Context) (string, error) {
	user, ok := auth.UserFrom(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	return user, nil
}

// PostWorkflow runs one workflow action
// (POST /{base}/v1/workflows/)
func (h *Handler) PostWorkflow(c echo.Context) error {
	user, err := userOf(c)
	if err != nil {
		return err
	}

	var req models.WorkflowRunRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		bad := apperr.Wrap(apperr.KindInvalidInput, err, "invalid request body")
		return writeEnvelope(c, models.Envelope{Status: models.StatusRejected, Error: apperr.Body(bad, false), Timestamp: time.Now().UTC()}, bad)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	rc, err := runContextParam(c)
	if err != nil {
		return writeEnvelope(c, models.Envelope{RequestID: req.RequestID, Status: models.StatusRejected, Error: apperr.Body(err, false), Timestamp: time.Now().UTC()}, err)
	}
	req.Context = rc

	ctx := c.Request().Context()
	sw := newStreamWriter(c.Response(), h.stream, h.tel)
	env, err := h.orch.Dispatch(ctx, user, req, sw)

	if !sw.Started() {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			h.log.Info("client went away", "request", req.RequestID)
			return nil
		}
		return writeEnvelope(c, env, err)
	}
	if err == nil {
		sw.Close()
		return nil
	}
	if ctx.Err() != nil {
		sw.Close()
		h.log.Info("client went away mid-stream", "request", req.RequestID)
		return nil
	}
	if ferr := sw.Fail(env.Error); ferr != nil {
		h.log.Warn("could not terminate stream", "request", req.RequestID, "error", ferr)
	}
	return nil
}

// ProfileResponse is the body of the profile endpoint.
type ProfileResponse struct {
	Status       models.RunStatus `json:"status,omitempty"`
	UIComponents map[string]any   `json:"uiComponents,omitempty"`
}

// GetProfile resolves the workflow profile for a context
// (GET /{base}/v1/profile/)
func (h *Handler) GetProfile(c echo.Context) error {
	if _, err := userOf(c); err != nil {
		return err
	}
	rc, err := runContextParam(c)
	if err != nil {
		return writeEnvelope(c, models.Envelope{Status: models.StatusRejected, Error: apperr.Body(err, false), Timestamp: time.Now().UTC()}, err)
	}
	p, err := h.profiles.Resolve(c.Request().Context(), rc)
	if err != nil {
		return writeEnvelope(c, models.Envelope{Status: models.StatusFailed, Error: apperr.Body(err, false), Timestamp: time.Now().UTC()}, err)
	}
	if p == nil {
		return c.JSON(http.StatusOK, ProfileResponse{Status: models.StatusNoConfig})
	}
	return c.JSON(http.StatusOK, ProfileResponse{UIComponents: services.UIComponents(p)})
}
