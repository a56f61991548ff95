package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/pkg/models"
)

// maxContentBytes caps how much of a unit body is read.
const maxContentBytes = 4 << 20

// HTTPContentSource fetches unit content from the LMS content endpoint.
type HTTPContentSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPContentSource creates a new HTTPContentSource.
func NewHTTPContentSource(baseURL string, timeout time.Duration) *HTTPContentSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPContentSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch returns the text content of the unit at rc.
func (c *HTTPContentSource) Fetch(ctx context.Context, rc models.RunContext) (string, error) {
	if rc.CourseID == "" || rc.UnitID == "" {
		return "", apperr.New(apperr.KindInvalidInput, "context extraction needs courseId and unitId")
	}
	endpoint := fmt.Sprintf("%s/courses/%s/units/%s/content",
		c.baseURL, url.PathEscape(rc.CourseID), url.PathEscape(rc.UnitID))
	if rc.LocationID != "" {
		endpoint += "?location=" + url.QueryEscape(rc.LocationID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.Wrap(apperr.KindStoreUnavailable, err, "content source unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", apperr.New(apperr.KindNotFound, "no content for unit %s", rc.UnitID)
	case resp.StatusCode != http.StatusOK:
		return "", apperr.New(apperr.KindStoreUnavailable, "content source returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return "", apperr.Wrap(apperr.KindStoreUnavailable, err, "failed to read content")
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", apperr.Wrap(apperr.KindStoreUnavailable, err, "failed to decode content")
		}
		return payload.Content, nil
	}
	return string(body), nil
}

// StaticContentSource serves content from memory, keyed by unit id.
type StaticContentSource map[string]string

// Fetch implements ContentSource.
func (s StaticContentSource) Fetch(_ context.Context, rc models.RunContext) (string, error) {
	content, ok := s[rc.UnitID]
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "no content for unit %s", rc.UnitID)
	}
	return content, nil
}
