package services

import (
	"context"

	"ai-workflows/backend/pkg/models"
)

// ContentSource returns the learning content visible at a run context, used
// by context extraction.
type ContentSource interface {
	Fetch(ctx context.Context, rc models.RunContext) (string, error)
}

// ProfileResolver maps a run context to the workflow profile that applies to
// it. It returns (nil, nil) when no profile matches.
type ProfileResolver interface {
	Resolve(ctx context.Context, rc models.RunContext) (*models.Profile, error)
}
