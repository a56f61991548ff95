package chain

import (
	"context"
	"unicode/utf8"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/services"
	"ai-workflows/backend/pkg/models"
)

// DefaultCharLimit bounds extracted context when no limit is configured.
const DefaultCharLimit = 4000

// TruncationMarker is appended to truncated context when it fits the limit.
const TruncationMarker = " [truncated]"

type contextOptions struct {
	CharLimit int    `mapstructure:"char_limit"`
	Marker    *bool  `mapstructure:"marker"`
	Text      string `mapstructure:"text"`
}

type contextStage struct {
	name   string
	opts   contextOptions
	source services.ContentSource
}

func newContextStage(cfg models.StageConfig, deps Deps) (Stage, error) {
	var o contextOptions
	if err := decodeOptions(cfg, &o); err != nil {
		return nil, err
	}
	if o.CharLimit == 0 {
		o.CharLimit = DefaultCharLimit
	}
	if o.CharLimit < 0 {
		return nil, apperr.New(apperr.KindInvalidConfiguration, "stage %q: char_limit must be positive", cfg.Name)
	}
	if o.Text == "" && deps.Content == nil {
		return nil, apperr.New(apperr.KindMissingComponent, "stage %q: no content source configured", cfg.Name)
	}
	return &contextStage{name: cfg.Name, opts: o, source: deps.Content}, nil
}

func (s *contextStage) Name() string { return s.name }

func (s *contextStage) Run(ctx context.Context, st *RunState) error {
	content := s.opts.Text
	if content == "" {
		var err error
		content, err = s.source.Fetch(ctx, st.Request.Context)
		if err != nil {
			return err
		}
	}
	withMarker := s.opts.Marker == nil || *s.opts.Marker
	st.Context, st.ContextTruncated = Truncate(content, s.opts.CharLimit, withMarker)
	return nil
}

// Truncate cuts s to at most limit characters (runes). When cut and
// withMarker is set, the result ends with TruncationMarker, still within the
// limit. The result depends only on the inputs.
func Truncate(s string, limit int, withMarker bool) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	marker := ""
	if withMarker && utf8.RuneCountInString(TruncationMarker) < limit {
		marker = TruncationMarker
	}
	keep := limit - utf8.RuneCountInString(marker)
	runes := []rune(s)
	return string(runes[:keep]) + marker, true
}
