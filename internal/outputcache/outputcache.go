// Package outputcache stores streaming output of running steps in a
// short-TTL Redis keyspace. It is advisory and eventually consistent; the
// dashboard reads it directly while a step runs.
package outputcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the StepOutputCache backed by Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a cache with the given chunk TTL.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func key(jobName string, stepID int64) string {
	return fmt.Sprintf("agent-job-step-output:%s:%d", jobName, stepID)
}

// Put stores the latest concatenated command output for a running step.
func (c *Cache) Put(ctx context.Context, jobName string, stepID int64, chunk string) error {
	return c.client.Set(ctx, key(jobName, stepID), chunk, c.ttl).Err()
}

// Get reads the cached output; empty string when nothing is cached.
func (c *Cache) Get(ctx context.Context, jobName string, stepID int64) (string, error) {
	val, err := c.client.Get(ctx, key(jobName, stepID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read step output: %w", err)
	}
	return val, nil
}

// Expire drops the cached output once the step has finished.
func (c *Cache) Expire(ctx context.Context, jobName string, stepID int64) error {
	return c.client.Del(ctx, key(jobName, stepID)).Err()
}
