package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/pkg/models"
)

const maxTxRetries = 16

// RedisSessionStore keeps each session as a sorted set scored by turn index
// plus a head hash holding the index sequence and the last timestamp.
type RedisSessionStore struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	maxBytes int
	now      func() time.Time
}

// RedisOption configures Redis-backed stores.
type RedisOption func(*redisOptions)

type redisOptions struct {
	prefix string
	ttl    time.Duration
}

// WithPrefix sets the key prefix. Default is "aiwf".
func WithPrefix(prefix string) RedisOption {
	return func(o *redisOptions) { o.prefix = prefix }
}

// WithTTL sets the idle expiry of stored keys. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(o *redisOptions) { o.ttl = ttl }
}

func buildRedisOptions(opts []RedisOption) redisOptions {
	o := redisOptions{prefix: "aiwf"}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NewRedisSessionStore creates a Redis-backed SessionStore.
func NewRedisSessionStore(client *redis.Client, maxRecordBytes int, opts ...RedisOption) *RedisSessionStore {
	o := buildRedisOptions(opts)
	if maxRecordBytes <= 0 {
		maxRecordBytes = DefaultMaxRecordBytes
	}
	return &RedisSessionStore{client: client, prefix: o.prefix, ttl: o.ttl, maxBytes: maxRecordBytes, now: time.Now}
}

func (s *RedisSessionStore) turnsKey(h models.SessionHandle) string {
	return s.prefix + ":session:{" + h.Key() + "}:turns"
}

func (s *RedisSessionStore) headKey(h models.SessionHandle) string {
	return s.prefix + ":session:{" + h.Key() + "}:head"
}

// Append stores one turn using an optimistic WATCH/MULTI transaction on the
// head hash, so index assignment and insertion happen together.
func (s *RedisSessionStore) Append(ctx context.Context, session models.SessionHandle, turn models.ConversationTurn) (models.ConversationTurn, error) {
	if err := checkAppend(turn, s.maxBytes); err != nil {
		return models.ConversationTurn{}, err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	turn.Timestamp = turn.Timestamp.UTC()
	headKey, turnsKey := s.headKey(session), s.turnsKey(session)

	var stored models.ConversationTurn
	txf := func(tx *redis.Tx) error {
		head, err := tx.HMGet(ctx, headKey, "seq", "ts").Result()
		if err != nil {
			return err
		}
		seq := parseInt(head[0])
		lastTS := parseInt(head[1])

		stored = turn
		stored.OriginalIndex = seq + 1
		if stored.Timestamp.UnixNano() < lastTS {
			stored.Timestamp = time.Unix(0, lastTS).UTC()
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, headKey, "seq", stored.OriginalIndex, "ts", stored.Timestamp.UnixNano())
			pipe.ZAdd(ctx, turnsKey, redis.Z{Score: float64(stored.OriginalIndex), Member: data})
			if s.ttl > 0 {
				pipe.Expire(ctx, headKey, s.ttl)
				pipe.Expire(ctx, turnsKey, s.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, headKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.ConversationTurn{}, storeErr(ctx, err, "append turn")
		}
		return stored, nil
	}
	return models.ConversationTurn{}, apperr.New(apperr.KindStoreUnavailable, "session store: append contention on %s", session.Key())
}

// ReadPage returns turns older than cursor, newest-first. Indexes and
// clamped timestamps are co-monotonic, so the index score alone orders turns.
func (s *RedisSessionStore) ReadPage(ctx context.Context, session models.SessionHandle, cursor string, pageSize int) (models.HistoryPage, error) {
	if err := checkPageSize(pageSize); err != nil {
		return models.HistoryPage{}, err
	}
	pos, bounded, err := decodeCursor(cursor)
	if err != nil {
		return models.HistoryPage{}, err
	}
	upper := "+inf"
	if bounded {
		upper = "(" + strconv.FormatInt(pos.idx, 10)
	}
	members, err := s.client.ZRevRangeByScore(ctx, s.turnsKey(session), &redis.ZRangeBy{
		Max:   upper,
		Min:   "-inf",
		Count: int64(pageSize + 1),
	}).Result()
	if err != nil {
		return models.HistoryPage{}, storeErr(ctx, err, "read page")
	}
	turns := make([]models.ConversationTurn, 0, len(members))
	for _, m := range members {
		var t models.ConversationTurn
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			return models.HistoryPage{}, apperr.Wrap(apperr.KindStoreUnavailable, err, "session store: corrupt turn record")
		}
		turns = append(turns, t)
	}
	return finishPage(turns, pageSize), nil
}

// Clear deletes every turn of the session, keeping the head hash.
func (s *RedisSessionStore) Clear(ctx context.Context, session models.SessionHandle) error {
	if err := s.client.Del(ctx, s.turnsKey(session)).Err(); err != nil {
		return storeErr(ctx, err, "clear session")
	}
	return nil
}

func parseInt(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(str, 10, 64)
	return n
}
