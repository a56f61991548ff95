package chain

import (
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/logging"
	"ai-workflows/backend/internal/provider"
	"ai-workflows/backend/internal/repository"
	"ai-workflows/backend/internal/services"
	"ai-workflows/backend/pkg/models"
)

// Built-in stage function names.
const (
	FuncContextExtraction = "context_extraction"
	FuncHistory           = "history"
	FuncPrompt            = "prompt"
	FuncModel             = "model"
)

// Deps are the collaborators stages are built with.
type Deps struct {
	Sessions       repository.SessionStore
	Gateway        *provider.Gateway
	Content        services.ContentSource
	Prompts        map[string]string
	MaxRecordBytes int
	Log            *logging.Logger
}

// Factory builds a stage from its configuration.
type Factory func(cfg models.StageConfig, deps Deps) (Stage, error)

// Registry maps stage function names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in stages.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{
		FuncContextExtraction: newContextStage,
		FuncHistory:           newHistoryStage,
		FuncPrompt:            newPromptStage,
		FuncModel:             newModelStage,
	}}
}

// Register adds a factory under a new function name.
func (r *Registry) Register(function string, f Factory) error {
	if _, dup := r.factories[function]; dup {
		return apperr.New(apperr.KindInvalidConfiguration, "stage function %q already registered", function)
	}
	r.factories[function] = f
	return nil
}

// Names lists known stage functions in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build validates and builds a chain. Unknown functions, providers, tools
// and options are rejected here rather than at run time.
func (r *Registry) Build(stages []models.StageConfig, deps Deps) (*Chain, error) {
	if len(stages) == 0 {
		return nil, apperr.New(apperr.KindInvalidConfiguration, "processor config has no stages")
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if deps.MaxRecordBytes <= 0 {
		deps.MaxRecordBytes = repository.DefaultMaxRecordBytes
	}
	c := &Chain{log: deps.Log.Component("chain")}
	seen := map[string]bool{}
	modelStages := 0
	for i, cfg := range stages {
		if cfg.Name == "" {
			cfg.Name = cfg.Function
		}
		if seen[cfg.Name] {
			return nil, apperr.New(apperr.KindInvalidConfiguration, "duplicate stage name %q", cfg.Name)
		}
		seen[cfg.Name] = true

		f, ok := r.factories[cfg.Function]
		if !ok {
			return nil, apperr.New(apperr.KindMissingComponent, "stage %q uses unknown function %q", cfg.Name, cfg.Function).
				WithDetail("known", r.Names())
		}
		if cfg.Function == FuncModel {
			modelStages++
			if i != len(stages)-1 {
				return nil, apperr.New(apperr.KindInvalidConfiguration, "model stage %q must be the last stage", cfg.Name)
			}
		}
		stage, err := f(cfg, deps)
		if err != nil {
			return nil, err
		}
		c.stages = append(c.stages, stage)
	}
	if modelStages == 0 {
		return nil, apperr.New(apperr.KindInvalidConfiguration, "processor config has no model stage")
	}
	return c, nil
}

// decodeOptions decodes stage options into out, rejecting unknown keys.
func decodeOptions(cfg models.StageConfig, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cfg.Options); err != nil {
		return apperr.Wrap(apperr.KindInvalidConfiguration, err, "invalid options for stage %q", cfg.Name)
	}
	return nil
}
