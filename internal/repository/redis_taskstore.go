package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/pkg/models"
)

// RedisTaskStore stores task handles as JSON strings and the per-session
// active-task marker as a SETNX key, so claims are atomic across replicas.
type RedisTaskStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTaskStore creates a Redis-backed TaskStore.
func NewRedisTaskStore(client *redis.Client, opts ...RedisOption) *RedisTaskStore {
	o := buildRedisOptions(opts)
	return &RedisTaskStore{client: client, prefix: o.prefix, ttl: o.ttl}
}

func (s *RedisTaskStore) taskKey(taskID string) string { return s.prefix + ":task:" + taskID }

func (s *RedisTaskStore) activeKey(sessionKey string) string {
	return s.prefix + ":session:{" + sessionKey + "}:active-task"
}

// Claim marks taskID active for the session unless another task holds it.
func (s *RedisTaskStore) Claim(ctx context.Context, sessionKey, taskID string) (string, bool, error) {
	key := s.activeKey(sessionKey)
	ok, err := s.client.SetNX(ctx, key, taskID, s.ttl).Result()
	if err != nil {
		return "", false, storeErr(ctx, err, "claim session")
	}
	if ok {
		return taskID, true, nil
	}
	holder, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// released between SETNX and GET; try once more
		ok, err = s.client.SetNX(ctx, key, taskID, s.ttl).Result()
		if err != nil {
			return "", false, storeErr(ctx, err, "claim session")
		}
		if ok {
			return taskID, true, nil
		}
		holder, err = s.client.Get(ctx, key).Result()
	}
	if err != nil {
		return "", false, storeErr(ctx, err, "claim session")
	}
	return holder, holder == taskID, nil
}

// Release clears the marker if taskID holds it.
func (s *RedisTaskStore) Release(ctx context.Context, sessionKey, taskID string) error {
	key := s.activeKey(sessionKey)
	txf := func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) || (err == nil && holder != taskID) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return storeErr(ctx, err, "release session")
		}
		return nil
	}
	return apperr.New(apperr.KindStoreUnavailable, "task store: release contention on %s", sessionKey)
}

// Put creates or replaces a handle.
func (s *RedisTaskStore) Put(ctx context.Context, handle *models.AsyncTaskHandle) error {
	data, err := json.Marshal(handle)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.taskKey(handle.TaskID), data, s.ttl).Err(); err != nil {
		return storeErr(ctx, err, "put task")
	}
	return nil
}

// Get returns the handle.
func (s *RedisTaskStore) Get(ctx context.Context, taskID string) (*models.AsyncTaskHandle, error) {
	data, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, taskNotFound(taskID)
	}
	if err != nil {
		return nil, storeErr(ctx, err, "get task")
	}
	var h models.AsyncTaskHandle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "task store: corrupt handle %s", taskID)
	}
	return &h, nil
}

// Transition applies fn to a non-terminal handle under WATCH.
func (s *RedisTaskStore) Transition(ctx context.Context, taskID string, fn func(*models.AsyncTaskHandle) error) (*models.AsyncTaskHandle, error) {
	key := s.taskKey(taskID)
	var out *models.AsyncTaskHandle
	var fnErr error
	txf := func(tx *redis.Tx) error {
		fnErr = nil
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			fnErr = taskNotFound(taskID)
			return nil
		}
		if err != nil {
			return err
		}
		var h models.AsyncTaskHandle
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		if h.Status.Terminal() {
			out, fnErr = &h, ErrTaskTerminal
			return nil
		}
		if err := fn(&h); err != nil {
			out, fnErr = nil, err
			return nil
		}
		next, err := json.Marshal(&h)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.ttl)
			return nil
		})
		out = &h
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, storeErr(ctx, err, "transition task")
		}
		return out, fnErr
	}
	return nil, apperr.New(apperr.KindStoreUnavailable, "task store: transition contention on %s", taskID)
}
