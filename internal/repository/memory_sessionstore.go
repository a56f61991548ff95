package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"ai-workflows/backend/pkg/models"
)

// MemorySessionStore is a process-local SessionStore for development and tests.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	maxBytes int
	now      func() time.Time
}

type memSession struct {
	turns  []models.ConversationTurn // ascending session order
	seq    int64
	lastTS time.Time
}

// NewMemorySessionStore creates an empty store with the given per-record ceiling.
func NewMemorySessionStore(maxRecordBytes int) *MemorySessionStore {
	if maxRecordBytes <= 0 {
		maxRecordBytes = DefaultMaxRecordBytes
	}
	return &MemorySessionStore{sessions: map[string]*memSession{}, maxBytes: maxRecordBytes, now: time.Now}
}

// Append stores one turn.
func (s *MemorySessionStore) Append(ctx context.Context, session models.SessionHandle, turn models.ConversationTurn) (models.ConversationTurn, error) {
	if err := ctx.Err(); err != nil {
		return models.ConversationTurn{}, err
	}
	if err := checkAppend(turn, s.maxBytes); err != nil {
		return models.ConversationTurn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[session.Key()]
	if !ok {
		sess = &memSession{}
		s.sessions[session.Key()] = sess
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	turn.Timestamp = turn.Timestamp.UTC()
	if turn.Timestamp.Before(sess.lastTS) {
		turn.Timestamp = sess.lastTS
	}
	sess.seq++
	sess.lastTS = turn.Timestamp
	turn.OriginalIndex = sess.seq
	sess.turns = append(sess.turns, turn)
	return turn, nil
}

// ReadPage returns turns older than cursor, newest-first.
func (s *MemorySessionStore) ReadPage(ctx context.Context, session models.SessionHandle, cursor string, pageSize int) (models.HistoryPage, error) {
	if err := ctx.Err(); err != nil {
		return models.HistoryPage{}, err
	}
	if err := checkPageSize(pageSize); err != nil {
		return models.HistoryPage{}, err
	}
	pos, bounded, err := decodeCursor(cursor)
	if err != nil {
		return models.HistoryPage{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[session.Key()]
	if !ok {
		return finishPage(nil, pageSize), nil
	}
	end := len(sess.turns)
	if bounded {
		end = sort.Search(len(sess.turns), func(i int) bool { return !pos.after(sess.turns[i]) })
	}
	start := end - (pageSize + 1)
	if start < 0 {
		start = 0
	}
	out := make([]models.ConversationTurn, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, sess.turns[i])
	}
	return finishPage(out, pageSize), nil
}

// Clear deletes every turn of the session. The index sequence is kept so
// cursors issued before the clear never address new turns.
func (s *MemorySessionStore) Clear(ctx context.Context, session models.SessionHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[session.Key()]; ok {
		sess.turns = nil
	}
	return nil
}
