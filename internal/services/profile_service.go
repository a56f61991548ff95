package services

import (
	"context"
	"path"

	"ai-workflows/backend/pkg/models"
)

// ConfigResolver resolves profiles from the static configuration. When
// several scopes match, the one with the most constrained fields wins; ties
// go to the profile listed first.
type ConfigResolver struct {
	profiles []models.Profile
}

// NewConfigResolver creates a resolver over profiles.
func NewConfigResolver(profiles []models.Profile) *ConfigResolver {
	return &ConfigResolver{profiles: profiles}
}

// Resolve implements ProfileResolver.
func (r *ConfigResolver) Resolve(_ context.Context, rc models.RunContext) (*models.Profile, error) {
	best, bestScore := -1, -1
	for i, p := range r.profiles {
		score, ok := matchScope(p.Scope, rc)
		if ok && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return nil, nil
	}
	p := r.profiles[best]
	return &p, nil
}

// Profiles returns every configured profile.
func (r *ConfigResolver) Profiles() []models.Profile {
	return r.profiles
}

func matchScope(s models.Scope, rc models.RunContext) (int, bool) {
	score := 0
	for _, f := range []struct{ pattern, value string }{
		{s.CourseID, rc.CourseID},
		{s.LocationID, rc.LocationID},
		{s.ServiceVariant, rc.ServiceVariant},
	} {
		if f.pattern == "" {
			continue
		}
		ok, err := path.Match(f.pattern, f.value)
		if err != nil || !ok {
			return 0, false
		}
		score++
	}
	return score, true
}

// UIComponents extracts the widget description returned by the profile
// endpoint. Profiles may nest it under "ui_components"; otherwise the whole
// actuator config is treated as metadata.
func UIComponents(p *models.Profile) map[string]any {
	out := map[string]any{"request": map[string]any{}, "response": map[string]any{}, "metadata": map[string]any{}}
	if p == nil {
		return out
	}
	if nested, ok := p.ActuatorConfig["ui_components"].(map[string]any); ok {
		for _, k := range []string{"request", "response", "metadata"} {
			if v, ok := nested[k]; ok {
				out[k] = v
			}
		}
	} else if len(p.ActuatorConfig) > 0 {
		out["metadata"] = p.ActuatorConfig
	}
	if md, ok := out["metadata"].(map[string]any); ok {
		merged := make(map[string]any, len(md)+2)
		for k, v := range md {
			merged[k] = v
		}
		merged["profileId"] = p.ID
		merged["orchestratorClass"] = p.OrchestratorClass
		out["metadata"] = merged
	}
	return out
}
