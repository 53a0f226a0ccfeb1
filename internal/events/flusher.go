package events

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Flusher drains the in-memory event log list to an append-only file, one
// JSON object per line. Crash safety is best-effort: these logs are
// diagnostic, not authoritative.
type Flusher struct {
	client *redis.Client
	path   string
	logger *slog.Logger
}

// flushBatch bounds filesystem work per drain pass.
const flushBatch = 500

// NewFlusher builds a flusher writing to path.
func NewFlusher(client *redis.Client, path string, logger *slog.Logger) *Flusher {
	return &Flusher{client: client, path: path, logger: logger}
}

// Run drains on the given cadence until the context is cancelled, with one
// final drain on the way out.
func (f *Flusher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.drain(context.Background())
			return ctx.Err()
		case <-ticker.C:
			f.drain(ctx)
		}
	}
}

func (f *Flusher) drain(ctx context.Context) {
	for {
		records, err := f.client.LPopCount(ctx, logListKey, flushBatch).Result()
		if err == redis.Nil || (err == nil && len(records) == 0) {
			return
		}
		if err != nil {
			f.logger.Error("drain event log", "err", err)
			return
		}
		if err := f.append(records); err != nil {
			f.logger.Error("append event log", "path", f.path, "err", err)
			return
		}
		if len(records) < flushBatch {
			return
		}
	}
}

func (f *Flusher) append(records []string) error {
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	for _, rec := range records {
		if _, err := file.WriteString(rec + "\n"); err != nil {
			return err
		}
	}
	return file.Sync()
}
