package poller

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"agent-dispatch/internal/models"
	"agent-dispatch/internal/taskq"
	"agent-dispatch/internal/telemetry"
)

// pollTask is the taskq kind for per-target poll passes. Task ids are
// "<server_type>/<server>"; the queue collapses re-enqueues while a pass
// for the same target is queued or running.
const pollTask = "poll_pending_jobs"

// LoopStore lists the targets worth polling.
type LoopStore interface {
	TargetsWithPending(ctx context.Context) ([]models.Target, error)
	CountInFlight(ctx context.Context) (int64, error)
}

// Loop enqueues a poll task per target with delivered work, on a fixed
// cadence.
type Loop struct {
	store    LoopStore
	queue    *taskq.Queue
	interval time.Duration
	logger   *slog.Logger
}

func NewLoop(st LoopStore, queue *taskq.Queue, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Loop{store: st, queue: queue, interval: interval, logger: logger}
}

func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if inFlight, err := l.store.CountInFlight(ctx); err == nil {
		telemetry.InFlightJobs.Set(float64(inFlight))
	}

	targets, err := l.store.TargetsWithPending(ctx)
	if err != nil {
		l.logger.Error("list poll targets", "err", err)
		return
	}
	for _, target := range targets {
		if _, err := l.queue.Enqueue(ctx, pollTask, taskID(target)); err != nil {
			l.logger.Error("enqueue poll task", "target", target.String(), "err", err)
		}
	}
	if depth, err := l.queue.Depth(ctx, pollTask); err == nil {
		telemetry.PollQueueDepth.Set(float64(depth))
	}
}

// Consumer dequeues poll tasks and runs the poll pass.
type Consumer struct {
	poller *Poller
	queue  *taskq.Queue
	logger *slog.Logger
}

func NewConsumer(p *Poller, queue *taskq.Queue, logger *slog.Logger) *Consumer {
	return &Consumer{poller: p, queue: queue, logger: logger}
}

func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id, err := c.queue.Dequeue(ctx, pollTask, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("dequeue poll task", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if id == "" {
			continue
		}

		target, ok := parseTaskID(id)
		if ok {
			if err := c.poller.PollServer(ctx, target); err != nil {
				c.logger.Error("poll pass failed", "target", target.String(), "err", err)
			}
		}
		if err := c.queue.Done(ctx, pollTask, id); err != nil {
			c.logger.Error("release poll task", "id", id, "err", err)
		}
	}
}

func taskID(target models.Target) string {
	return target.String()
}

func parseTaskID(id string) (models.Target, bool) {
	serverType, server, ok := strings.Cut(id, "/")
	if !ok || serverType == "" || server == "" {
		return models.Target{}, false
	}
	return models.Target{ServerType: serverType, Server: server}, true
}
