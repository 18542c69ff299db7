// Package cache connects to Redis and namespaces the keys shared by the
// progress store, the review session store and the in-app notification inbox.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from a redis:// URL or host:port and
// verifies it with PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Keyspace builds prefixed keys: Keyspace("timetable").Key("job", id, "status")
// yields "timetable:job:<id>:status".
type Keyspace string

// Key joins parts under the prefix.
func (k Keyspace) Key(parts ...string) string {
	if k == "" {
		return strings.Join(parts, ":")
	}
	return string(k) + ":" + strings.Join(parts, ":")
}
