package chain

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/logging"
	"ai-workflows/backend/internal/provider"
	"ai-workflows/backend/internal/repository"
	"ai-workflows/backend/pkg/models"
)

type modelOptions struct {
	Stream      bool                      `mapstructure:"stream"`
	Model       string                    `mapstructure:"model"`
	Temperature *float64                  `mapstructure:"temperature"`
	MaxTokens   int64                     `mapstructure:"max_tokens"`
	Timeout     time.Duration             `mapstructure:"timeout"`
	Tools       []provider.ToolDescriptor `mapstructure:"tools"`
}

type modelStage struct {
	name     string
	provider string
	opts     modelOptions
	gateway  *provider.Gateway
	sessions repository.SessionStore
	maxBytes int
	log      *logging.Logger
}

func newModelStage(cfg models.StageConfig, deps Deps) (Stage, error) {
	var o modelOptions
	if err := decodeOptions(cfg, &o); err != nil {
		return nil, err
	}
	if deps.Gateway == nil {
		return nil, apperr.New(apperr.KindMissingComponent, "stage %q: no provider gateway configured", cfg.Name)
	}
	if !deps.Gateway.Has(cfg.Provider) {
		return nil, apperr.New(apperr.KindMissingComponent, "stage %q references unknown provider %q", cfg.Name, cfg.Provider).
			WithDetail("known", deps.Gateway.Names())
	}
	if err := deps.Gateway.CheckTools(o.Tools); err != nil {
		return nil, err
	}
	return &modelStage{
		name:     cfg.Name,
		provider: cfg.Provider,
		opts:     o,
		gateway:  deps.Gateway,
		sessions: deps.Sessions,
		maxBytes: deps.MaxRecordBytes,
		log:      deps.Log,
	}, nil
}

func (s *modelStage) Name() string { return s.name }

// Streams reports whether the stage forwards deltas as they arrive.
func (s *modelStage) Streams() bool { return s.opts.Stream }

func (s *modelStage) Run(ctx context.Context, st *RunState) error {
	msgs := st.Messages
	if len(msgs) == 0 {
		msgs = assemble(withContext(st.SystemPrompt, st.Context), st.History, st.Input)
	}
	if len(msgs) == 0 {
		return apperr.New(apperr.KindInvalidInput, "nothing to send to the model")
	}

	stream, err := s.gateway.Invoke(ctx, s.provider, msgs, provider.Options{
		Model:       s.opts.Model,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
		Timeout:     s.opts.Timeout,
		Tools:       s.opts.Tools,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	forward := s.opts.Stream && st.Sink != nil
	var sb strings.Builder
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			st.Warnings = append(st.Warnings, stream.Warnings()...)
			return err
		}
		sb.WriteString(frag)
		if forward {
			if err := st.Sink.Send(ctx, frag); err != nil {
				return err
			}
			st.Streamed = true
		}
	}
	st.Warnings = append(st.Warnings, stream.Warnings()...)
	st.Response = sb.String()
	return s.persist(ctx, st)
}

// persist appends the user turn then the assistant turn(s), once per run.
func (s *modelStage) persist(ctx context.Context, st *RunState) error {
	if st.Ephemeral || st.finalized || s.sessions == nil {
		return nil
	}
	return st.Fence.Guard(ctx, func(ctx context.Context) error {
		if st.finalized {
			return nil
		}
		st.finalized = true
		now := time.Now().UTC()
		for _, part := range SplitRecord(st.Input, s.maxBytes) {
			if _, err := s.sessions.Append(ctx, st.Session, models.ConversationTurn{Role: models.RoleUser, Content: part, Timestamp: now}); err != nil {
				return err
			}
			st.Persisted++
		}
		parts := SplitRecord(st.Response, s.maxBytes)
		if len(parts) == 0 {
			parts = []string{""}
		}
		for _, part := range parts {
			if _, err := s.sessions.Append(ctx, st.Session, models.ConversationTurn{Role: models.RoleAssistant, Content: part, Timestamp: now}); err != nil {
				return err
			}
			st.Persisted++
		}
		return nil
	})
}

// SplitRecord splits s into pieces of at most maxBytes bytes on rune
// boundaries. An empty string yields no pieces.
func SplitRecord(s string, maxBytes int) []string {
	if s == "" {
		return nil
	}
	if maxBytes <= 0 || len(s) <= maxBytes {
		return []string{s}
	}
	var out []string
	for len(s) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			_, size := utf8.DecodeRuneInString(s)
			cut = size
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
