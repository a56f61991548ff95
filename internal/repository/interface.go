package repository

import (
	"context"
	"errors"

	"ai-workflows/backend/pkg/models"
)

// DefaultMaxRecordBytes is the per-turn size ceiling used when none is configured.
const DefaultMaxRecordBytes = 64 * 1024

// SessionStore persists conversation turns per session. Implementations keep
// turns totally ordered by (timestamp, original index): appends are assigned a
// strictly increasing index and a timestamp clamped to be no earlier than the
// previous turn of the same session.
type SessionStore interface {
	// Append stores one turn and returns it with its assigned position. The
	// whole turn is written or nothing is.
	Append(ctx context.Context, session models.SessionHandle, turn models.ConversationTurn) (models.ConversationTurn, error)
	// ReadPage returns up to pageSize turns strictly older than cursor,
	// newest-first. An empty cursor means "now".
	ReadPage(ctx context.Context, session models.SessionHandle, cursor string, pageSize int) (models.HistoryPage, error)
	// Clear deletes every turn of the session.
	Clear(ctx context.Context, session models.SessionHandle) error
}

// ErrTaskTerminal is returned by TaskStore.Transition when the task already
// reached a terminal status.
var ErrTaskTerminal = errors.New("task already terminal")

// TaskStore persists asynchronous task handles and the per-session
// active-task marker.
type TaskStore interface {
	// Claim atomically marks taskID as the active task of the session. When
	// another task holds the marker it returns that holder and false.
	Claim(ctx context.Context, sessionKey, taskID string) (holder string, claimed bool, err error)
	// Release clears the marker if it is held by taskID.
	Release(ctx context.Context, sessionKey, taskID string) error
	// Put creates or replaces a handle.
	Put(ctx context.Context, handle *models.AsyncTaskHandle) error
	// Get returns a handle or an apperr TaskNotFound error.
	Get(ctx context.Context, taskID string) (*models.AsyncTaskHandle, error)
	// Transition applies fn to a non-terminal handle atomically and stores the
	// result. It returns ErrTaskTerminal without calling fn when the handle is
	// already terminal.
	Transition(ctx context.Context, taskID string, fn func(*models.AsyncTaskHandle) error) (*models.AsyncTaskHandle, error)
}
