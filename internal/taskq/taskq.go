// Package taskq coordinates the periodic work fanned out across worker
// processes. Enqueues are deduplicated by task id: while a task with the
// same id is queued or running, further enqueues collapse into it.
package taskq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a Redis-backed work queue with per-id deduplication.
type Queue struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
}

// New builds a queue on the given Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{
		client:  client,
		prefix:  "dispatch:taskq:",
		lockTTL: 10 * time.Minute,
	}
}

func (q *Queue) listKey(kind string) string {
	return q.prefix + kind
}

func (q *Queue) lockKey(kind, id string) string {
	return fmt.Sprintf("%slock:%s:%s", q.prefix, kind, id)
}

// Enqueue pushes id onto the kind queue unless an identical task is already
// queued or running. The dedup key survives until Done is called or its TTL
// lapses, mirroring ids like "poll_pending_jobs:<server>".
func (q *Queue) Enqueue(ctx context.Context, kind, id string) (bool, error) {
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.lockKey(kind, id), q.listKey(kind)},
		id, q.lockTTL.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", kind, id, err)
	}
	queued, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from enqueue script: %T", res)
	}
	return queued == 1, nil
}

// Dequeue pops the next task id for kind, blocking up to wait. Empty string
// means nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, kind string, wait time.Duration) (string, error) {
	res, err := q.client.BLPop(ctx, wait, q.listKey(kind)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue %s: %w", kind, err)
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Done releases the dedup key so the task id can be enqueued again.
func (q *Queue) Done(ctx context.Context, kind, id string) error {
	return q.client.Del(ctx, q.lockKey(kind, id)).Err()
}

// Depth reports the queued task count for kind.
func (q *Queue) Depth(ctx context.Context, kind string) (int64, error) {
	return q.client.LLen(ctx, q.listKey(kind)).Result()
}

var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[1], 1, 'NX', 'PX', ARGV[2]) then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)
