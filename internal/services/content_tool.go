package services

import (
	"context"
	"encoding/json"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/provider"
	"ai-workflows/backend/pkg/models"
)

// ContentToolName is the name models use to call the content tool.
const ContentToolName = "fetch_unit_content"

// ContentTool lets a model read the content of another unit of a course.
func ContentTool(src ContentSource) provider.Tool {
	return provider.Tool{
		Definition: provider.ToolDefinition{
			Name:        ContentToolName,
			Description: "Fetch the learning content of a course unit",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"course_id": map[string]any{"type": "string"},
					"unit_id":   map[string]any{"type": "string"},
				},
				"required": []string{"course_id", "unit_id"},
			},
		},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				CourseID string `json:"course_id"`
				UnitID   string `json:"unit_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", apperr.Wrap(apperr.KindInvalidInput, err, "bad arguments")
			}
			if in.UnitID == "" {
				return "", apperr.New(apperr.KindInvalidInput, "unit_id is required")
			}
			return src.Fetch(ctx, models.RunContext{CourseID: in.CourseID, UnitID: in.UnitID})
		},
	}
}
