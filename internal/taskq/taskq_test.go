package taskq

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestEnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	queued, err := q.Enqueue(ctx, "poll_pending_jobs", "Server/n1")
	if err != nil || !queued {
		t.Fatalf("first enqueue: queued=%v err=%v", queued, err)
	}
	queued, err = q.Enqueue(ctx, "poll_pending_jobs", "Server/n1")
	if err != nil || queued {
		t.Fatalf("duplicate enqueue must collapse: queued=%v err=%v", queued, err)
	}
	queued, err = q.Enqueue(ctx, "poll_pending_jobs", "Server/n2")
	if err != nil || !queued {
		t.Fatalf("different id must queue: queued=%v err=%v", queued, err)
	}

	depth, err := q.Depth(ctx, "poll_pending_jobs")
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2, got %d err=%v", depth, err)
	}
}

func TestDequeueAndDoneReleaseDedup(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	if _, err := q.Enqueue(ctx, "poll_pending_jobs", "Server/n1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.Dequeue(ctx, "poll_pending_jobs", 100*time.Millisecond)
	if err != nil || id != "Server/n1" {
		t.Fatalf("dequeue: id=%q err=%v", id, err)
	}

	// Still running: the dedup key holds until Done.
	queued, err := q.Enqueue(ctx, "poll_pending_jobs", "Server/n1")
	if err != nil || queued {
		t.Fatalf("enqueue while running must collapse")
	}

	if err := q.Done(ctx, "poll_pending_jobs", id); err != nil {
		t.Fatalf("done: %v", err)
	}
	queued, err = q.Enqueue(ctx, "poll_pending_jobs", "Server/n1")
	if err != nil || !queued {
		t.Fatalf("enqueue after done must queue again")
	}
}

func TestDequeueEmptyReturnsBlank(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	id, err := q.Dequeue(ctx, "poll_pending_jobs", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
}
