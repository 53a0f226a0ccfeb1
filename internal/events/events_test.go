package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"agent-dispatch/internal/store"
)

func testRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestSinkAppendsLogRecords(t *testing.T) {
	ctx := context.Background()
	client, mr := testRedis(t)
	sink := NewRedisSink(client)

	sink.JobChanged(ctx, store.JobDetail{Name: "job-1", Status: "Success"})
	sink.ListChanged(ctx, "Agent Job")

	records, err := mr.List(logListKey)
	if err != nil || len(records) != 2 {
		t.Fatalf("expected 2 log records, got %d err=%v", len(records), err)
	}

	var rec logRecord
	if err := json.Unmarshal([]byte(records[0]), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Event != "agent_job_update" {
		t.Fatalf("unexpected event %q", rec.Event)
	}
	var detail store.JobDetail
	if err := json.Unmarshal(rec.Payload, &detail); err != nil || detail.Name != "job-1" {
		t.Fatalf("payload not carried: %v err=%v", detail, err)
	}

	if err := json.Unmarshal([]byte(records[1]), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Event != "list_update" {
		t.Fatalf("unexpected event %q", rec.Event)
	}
}

func TestFlusherDrainsToFile(t *testing.T) {
	ctx := context.Background()
	client, _ := testRedis(t)
	sink := NewRedisSink(client)

	sink.ListChanged(ctx, "Agent Job")
	sink.ListChanged(ctx, "Notification")

	path := filepath.Join(t.TempDir(), "events.json.log")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	f := NewFlusher(client, path, logger)
	f.drain(ctx)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line is not a record: %v", err)
		}
		if rec.Timestamp.IsZero() || time.Since(rec.Timestamp) > time.Minute {
			t.Fatalf("record timestamp looks wrong: %v", rec.Timestamp)
		}
	}

	// Drained list stays empty on a second pass; the file must not grow.
	f.drain(ctx)
	again, _ := os.ReadFile(path)
	if len(again) != len(data) {
		t.Fatalf("second drain must be a no-op")
	}
}
