package progress

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

// RedisStore keeps job snapshots in Redis as JSON values, one key per kind:
//
//	<prefix>:job:<id>:progress
//	<prefix>:job:<id>:status
//	<prefix>:job:<id>:report
//	<prefix>:job:<id>:cancel
type RedisStore struct {
	client *redis.Client
	keys   cache.Keyspace
}

// NewRedisStore returns a RedisStore writing under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, keys: cache.Keyspace(prefix)}
}

func (r *RedisStore) key(jobID, kind string) string { return r.keys.Key("job", jobID, kind) }

func (r *RedisStore) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) get(ctx context.Context, key string, v any) (bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisStore) SetProgress(ctx context.Context, jobID string, p core.ImportProgress, ttl time.Duration) error {
	return r.put(ctx, r.key(jobID, "progress"), p, ttl)
}

func (r *RedisStore) SetStatus(ctx context.Context, jobID string, s core.ImportStatus, ttl time.Duration) error {
	return r.put(ctx, r.key(jobID, "status"), s, ttl)
}

func (r *RedisStore) SetReport(ctx context.Context, jobID string, rep *core.ImportReport, ttl time.Duration) error {
	return r.put(ctx, r.key(jobID, "report"), rep, ttl)
}

func (r *RedisStore) Progress(ctx context.Context, jobID string) (core.ImportProgress, bool, error) {
	var p core.ImportProgress
	ok, err := r.get(ctx, r.key(jobID, "progress"), &p)
	return p, ok, err
}

func (r *RedisStore) Status(ctx context.Context, jobID string) (core.ImportStatus, bool, error) {
	var s core.ImportStatus
	ok, err := r.get(ctx, r.key(jobID, "status"), &s)
	if ok && !s.Valid() {
		return "", false, fmt.Errorf("job %s: unknown stored status %q", jobID, s)
	}
	return s, ok, err
}

func (r *RedisStore) Report(ctx context.Context, jobID string) (*core.ImportReport, bool, error) {
	var rep core.ImportReport
	ok, err := r.get(ctx, r.key(jobID, "report"), &rep)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &rep, true, nil
}

func (r *RedisStore) RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error {
	return r.put(ctx, r.key(jobID, "cancel"), true, ttl)
}

func (r *RedisStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var v bool
	ok, err := r.get(ctx, r.key(jobID, "cancel"), &v)
	return ok && v, err
}

func (r *RedisStore) ClearCancel(ctx context.Context, jobID string) error {
	key := r.key(jobID, "cancel")
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
