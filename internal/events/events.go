// Package events carries real-time updates out of the dispatcher core.
// Transport is external: the core only knows the Sink interface.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-dispatch/internal/store"
)

// Sink receives job lifecycle events for UI listeners.
type Sink interface {
	// JobChanged fires on every observed change to a job.
	JobChanged(ctx context.Context, detail store.JobDetail)
	// ListChanged fires when a collection changed shape (new row,
	// terminal transition) and list views should refresh.
	ListChanged(ctx context.Context, doctype string)
}

// Channels and keys used by the Redis sink.
const (
	jobChannel  = "agent_job_update"
	listChannel = "list_update"
	logListKey  = "agent-jobs:log"
)

// RedisSink publishes events on pub/sub channels and appends a structured
// record to the event log list for the flusher to drain.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink builds the default sink.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

type logRecord struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *RedisSink) JobChanged(ctx context.Context, detail store.JobDetail) {
	payload, err := json.Marshal(detail)
	if err != nil {
		return
	}
	// Publish and append are both best-effort: events are diagnostic,
	// never authoritative.
	s.client.Publish(ctx, jobChannel, payload)
	s.appendLog(ctx, "agent_job_update", payload)
}

func (s *RedisSink) ListChanged(ctx context.Context, doctype string) {
	payload, err := json.Marshal(map[string]string{"doctype": doctype})
	if err != nil {
		return
	}
	s.client.Publish(ctx, listChannel, payload)
	s.appendLog(ctx, "list_update", payload)
}

func (s *RedisSink) appendLog(ctx context.Context, event string, payload json.RawMessage) {
	rec, err := json.Marshal(logRecord{Event: event, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		return
	}
	s.client.RPush(ctx, logListKey, rec)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) JobChanged(context.Context, store.JobDetail) {}
func (NopSink) ListChanged(context.Context, string)         {}
