// Package postcache provides an optional Redis write-through cache for the
// post-thread-to-submission index, so lookups survive process restarts
// without a full repository scan. The JSON index file in the working tree
// remains authoritative; the cache is advisory.
package postcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound reports a cache miss.
var ErrNotFound = errors.New("post id not cached")

const defaultTTL = 30 * 24 * time.Hour

// RedisStore caches postID -> submissionID mappings in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a cache from a Redis URL and verifies connectivity.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "post:",
		ttl:    defaultTTL,
	}, nil
}

// NewRedisStoreWithClient creates a cache from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "post:",
		ttl:    defaultTTL,
	}
}

func (s *RedisStore) key(postID string) string {
	return s.prefix + postID
}

// Set records a post -> submission mapping.
func (s *RedisStore) Set(ctx context.Context, postID, submissionID string) error {
	if err := s.client.Set(ctx, s.key(postID), submissionID, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache post mapping: %w", err)
	}
	return nil
}

// Get returns the submission id for a post id, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, postID string) (string, error) {
	submissionID, err := s.client.Get(ctx, s.key(postID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup post mapping: %w", err)
	}
	return submissionID, nil
}

// Delete removes a mapping. Deleting an absent mapping is not an error.
func (s *RedisStore) Delete(ctx context.Context, postID string) error {
	if err := s.client.Del(ctx, s.key(postID)).Err(); err != nil {
		return fmt.Errorf("delete post mapping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
