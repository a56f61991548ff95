package repository

import (
	"context"
	"sync"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/pkg/models"
)

// MemoryTaskStore is a process-local TaskStore.
type MemoryTaskStore struct {
	mu     sync.Mutex
	tasks  map[string]models.AsyncTaskHandle
	active map[string]string // session key -> task id
}

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: map[string]models.AsyncTaskHandle{}, active: map[string]string{}}
}

// Claim marks taskID active for the session unless another task holds it.
func (s *MemoryTaskStore) Claim(_ context.Context, sessionKey, taskID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.active[sessionKey]; ok && holder != taskID {
		return holder, false, nil
	}
	s.active[sessionKey] = taskID
	return taskID, true, nil
}

// Release clears the marker if taskID holds it.
func (s *MemoryTaskStore) Release(_ context.Context, sessionKey, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[sessionKey] == taskID {
		delete(s.active, sessionKey)
	}
	return nil
}

// Put creates or replaces a handle.
func (s *MemoryTaskStore) Put(_ context.Context, handle *models.AsyncTaskHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[handle.TaskID] = *handle
	return nil
}

// Get returns a copy of the handle.
func (s *MemoryTaskStore) Get(_ context.Context, taskID string) (*models.AsyncTaskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[taskID]
	if !ok {
		return nil, taskNotFound(taskID)
	}
	return &h, nil
}

// Transition applies fn to a non-terminal handle.
func (s *MemoryTaskStore) Transition(_ context.Context, taskID string, fn func(*models.AsyncTaskHandle) error) (*models.AsyncTaskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[taskID]
	if !ok {
		return nil, taskNotFound(taskID)
	}
	if h.Status.Terminal() {
		return &h, ErrTaskTerminal
	}
	if err := fn(&h); err != nil {
		return nil, err
	}
	s.tasks[taskID] = h
	return &h, nil
}

func taskNotFound(taskID string) error {
	return apperr.New(apperr.KindTaskNotFound, "task %q not found", taskID)
}
