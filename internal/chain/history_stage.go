package chain

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/logging"
	"ai-workflows/backend/internal/provider"
	"ai-workflows/backend/internal/repository"
	"ai-workflows/backend/pkg/models"
)

// DefaultMaxContextMessages is used when a history stage sets no limit.
const DefaultMaxContextMessages = 10

// historyRetryDelay is the pause before the single retry of a failed read.
var historyRetryDelay = 100 * time.Millisecond

type historyOptions struct {
	MaxContextMessages int `mapstructure:"max_context_messages"`
}

type historyStage struct {
	name     string
	max      int
	sessions repository.SessionStore
	log      *logging.Logger
}

func newHistoryStage(cfg models.StageConfig, deps Deps) (Stage, error) {
	var o historyOptions
	if err := decodeOptions(cfg, &o); err != nil {
		return nil, err
	}
	if o.MaxContextMessages == 0 {
		o.MaxContextMessages = DefaultMaxContextMessages
	}
	if o.MaxContextMessages < 0 {
		return nil, apperr.New(apperr.KindInvalidConfiguration, "stage %q: max_context_messages must be positive", cfg.Name)
	}
	if deps.Sessions == nil {
		return nil, apperr.New(apperr.KindMissingComponent, "stage %q: no session store configured", cfg.Name)
	}
	return &historyStage{name: cfg.Name, max: o.MaxContextMessages, sessions: deps.Sessions, log: deps.Log}, nil
}

func (s *historyStage) Name() string { return s.name }

// Run loads the newest turns and hands them to later stages oldest-first.
// A transient store failure is retried once; reads have no side effects.
func (s *historyStage) Run(ctx context.Context, st *RunState) error {
	if st.Ephemeral {
		return nil
	}
	var page models.HistoryPage
	attempt := 0
	read := func() error {
		attempt++
		var err error
		page, err = s.sessions.ReadPage(ctx, st.Session, "", s.max)
		if err != nil && !errors.Is(err, apperr.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		if err != nil {
			s.log.Warn("history read failed", "attempt", attempt, "error", err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(historyRetryDelay), 1), ctx)
	if err := backoff.Retry(read, policy); err != nil {
		return err
	}

	st.History = make([]provider.Message, 0, len(page.Turns))
	for i := len(page.Turns) - 1; i >= 0; i-- {
		t := page.Turns[i]
		role := provider.RoleUser
		if t.Role == models.RoleAssistant {
			role = provider.RoleAssistant
		}
		st.History = append(st.History, provider.Message{Role: role, Content: t.Content})
	}
	return nil
}
