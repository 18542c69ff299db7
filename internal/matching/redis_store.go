package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/timetable-import/internal/cache"
	"github.com/JonMunkholm/timetable-import/internal/core"
)

// maxUpdateRetries bounds optimistic transaction retries under contention.
const maxUpdateRetries = 10

// RedisStore keeps sessions in Redis so every API and worker process sees
// the same review state. Each session is one JSON value whose key expires
// with the session.
type RedisStore struct {
	client *redis.Client
	keys   cache.Keyspace
	now    func() time.Time
}

// NewRedisStore returns a RedisStore writing under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, keys: cache.Keyspace(prefix), now: time.Now}
}

func (r *RedisStore) key(id string) string { return r.keys.Key("review", "session", id) }

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("create session %s: already expired", s.ID)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	return r.decode(id, raw, err)
}

func (r *RedisStore) decode(id string, raw []byte, err error) (*Session, error) {
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Expired(r.now()) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	return &s, nil
}

// Update runs fn inside a WATCH/MULTI transaction and retries when another
// writer changed the session first. The key keeps its remaining lifetime.
func (r *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	key := r.key(id)
	var out *Session

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		s, err := r.decode(id, raw, err)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		encoded, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		ttl := s.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update session %s: too much contention", id)
}

func (r *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return n > 0, nil
}
