// Package reaper force-fails jobs stuck beyond the staleness window. An
// agent that never reports back would otherwise leave jobs Pending forever
// and their business objects waiting on callbacks that never fire.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agent-dispatch/internal/callback"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/telemetry"
)

// Store is the persistence surface the reaper sweeps over.
type Store interface {
	StaleDelivered(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	StaleUndelivered(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	InJobTx(ctx context.Context, fn func(tx store.JobTx) error) error
}

// Reaper runs the two staleness sweeps.
type Reaper struct {
	store     Store
	router    *callback.Router
	threshold time.Duration
	batch     int
	logger    *slog.Logger
	now       func() time.Time
}

func New(st Store, router *callback.Router, threshold time.Duration, batch int, logger *slog.Logger) *Reaper {
	if threshold <= 0 {
		threshold = 48 * time.Hour
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reaper{
		store:     st,
		router:    router,
		threshold: threshold,
		batch:     batch,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep force-fails one batch of stale delivered jobs and one batch of
// stale undelivered jobs.
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.threshold)

	var errs []error
	delivered, err := r.store.StaleDelivered(ctx, cutoff, r.batch)
	if err != nil {
		errs = append(errs, err)
	}
	for _, job := range delivered {
		if err := r.reap(ctx, job, models.StatusFailure); err != nil {
			errs = append(errs, err)
		}
	}

	undelivered, err := r.store.StaleUndelivered(ctx, cutoff, r.batch)
	if err != nil {
		errs = append(errs, err)
	}
	for _, job := range undelivered {
		if err := r.reap(ctx, job, models.StatusDeliveryFailure); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reap terminally fails one job, cascades to its steps, and runs callbacks,
// all in one transaction.
func (r *Reaper) reap(ctx context.Context, job models.Job, status string) error {
	err := r.store.InJobTx(ctx, func(tx store.JobTx) error {
		fresh, err := tx.GetJob(ctx, job.Name)
		if err != nil {
			return err
		}
		if fresh.IsTerminal() {
			return nil
		}
		now := r.now()
		u := store.JobUpdate{
			Status:    status,
			Start:     fresh.Start,
			End:       &now,
			Duration:  fresh.Duration,
			Output:    fresh.Output,
			Traceback: fresh.Trace,
			Data:      fresh.Data,
		}
		if err := tx.UpdateJob(ctx, fresh.Name, u); err != nil {
			return err
		}
		if err := tx.SkipPendingSteps(ctx, fresh.Name); err != nil {
			return err
		}
		if err := tx.FinishRunningSteps(ctx, fresh.Name, status); err != nil {
			return err
		}
		fresh.Status = status
		return r.router.Process(ctx, tx, fresh, nil)
	})
	if err != nil {
		if callback.IsRetry(err) {
			// Left for the next sweep.
			return nil
		}
		return err
	}
	telemetry.JobsReaped.Inc()
	r.logger.Info("reaped stale job", "job", job.Name, "job_type", job.JobType,
		"server", job.Server, "status", status, "age", r.now().Sub(job.CreatedAt).String())
	return nil
}
