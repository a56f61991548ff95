package chain

import (
	"context"
	"strings"
	"text/template"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/provider"
	"ai-workflows/backend/pkg/models"
)

type promptOptions struct {
	PromptID string `mapstructure:"prompt_id"`
	Prompt   string `mapstructure:"prompt"`
}

// promptData is the template input of a prompt stage.
type promptData struct {
	Input     string
	Context   string
	Truncated bool
	CourseID  string
	UnitID    string
	Location  string
}

type promptStage struct {
	name        string
	tmpl        *template.Template
	usesContext bool
}

func newPromptStage(cfg models.StageConfig, deps Deps) (Stage, error) {
	var o promptOptions
	if err := decodeOptions(cfg, &o); err != nil {
		return nil, err
	}
	text := o.Prompt
	if o.PromptID != "" {
		stored, ok := deps.Prompts[o.PromptID]
		if !ok {
			return nil, apperr.New(apperr.KindMissingComponent, "stage %q references unknown prompt %q", cfg.Name, o.PromptID).
				WithDetail("known", sortedKeys(deps.Prompts))
		}
		text = stored
	}
	if text == "" {
		return nil, apperr.New(apperr.KindInvalidConfiguration, "stage %q needs prompt or prompt_id", cfg.Name)
	}
	tmpl, err := template.New(cfg.Name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidConfiguration, err, "stage %q: bad prompt template", cfg.Name)
	}
	return &promptStage{name: cfg.Name, tmpl: tmpl, usesContext: strings.Contains(text, ".Context")}, nil
}

func (s *promptStage) Name() string { return s.name }

func (s *promptStage) Run(_ context.Context, st *RunState) error {
	var sb strings.Builder
	err := s.tmpl.Execute(&sb, promptData{
		Input:     st.Input,
		Context:   st.Context,
		Truncated: st.ContextTruncated,
		CourseID:  st.Request.Context.CourseID,
		UnitID:    st.Request.Context.UnitID,
		Location:  st.Request.Context.LocationID,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidConfiguration, err, "stage %q: render prompt", s.name)
	}
	system := sb.String()
	if st.SystemPrompt != "" {
		system = st.SystemPrompt + "\n\n" + system
	}
	if !s.usesContext {
		system = withContext(system, st.Context)
	}
	st.Messages = assemble(system, st.History, st.Input)
	return nil
}

// withContext appends extracted context to a system instruction.
func withContext(system, extracted string) string {
	if extracted == "" {
		return system
	}
	if system == "" {
		return "Context:\n" + extracted
	}
	return system + "\n\nContext:\n" + extracted
}

// assemble builds the final message list: system, history oldest-first,
// then the current input.
func assemble(system string, history []provider.Message, input string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: system})
	}
	msgs = append(msgs, history...)
	if input != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: input})
	}
	return msgs
}
