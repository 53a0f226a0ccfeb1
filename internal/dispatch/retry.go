package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agent-dispatch/internal/callback"
	"agent-dispatch/internal/jobtypes"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/telemetry"
)

// Engine redelivers parked jobs. Before retrying it reconciles with the
// agent: a delivery whose response was lost in transit may already be
// accepted remotely, and redelivering it would run the work twice.
type Engine struct {
	store       Store
	clients     Clients
	dispatcher  *Dispatcher
	router      *callback.Router
	types       *jobtypes.Set
	disableAuto bool
	logger      *slog.Logger
	now         func() time.Time
}

func NewEngine(st Store, clients Clients, dispatcher *Dispatcher, router *callback.Router,
	types *jobtypes.Set, disableAutoRetry bool, logger *slog.Logger) *Engine {
	return &Engine{
		store:       st,
		clients:     clients,
		dispatcher:  dispatcher,
		router:      router,
		types:       types,
		disableAuto: disableAutoRetry,
		logger:      logger,
		now:         time.Now,
	}
}

// Sweep runs RetryTarget for every target holding due undelivered work.
func (e *Engine) Sweep(ctx context.Context) error {
	if e.disableAuto {
		return nil
	}
	targets, err := e.store.TargetsWithUndelivered(ctx, e.now())
	if err != nil {
		return err
	}
	var errs []error
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := e.RetryTarget(ctx, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RetryTarget reconciles and redelivers the target's due undelivered jobs.
func (e *Engine) RetryTarget(ctx context.Context, target models.Target) error {
	if e.disableAuto {
		return nil
	}

	jobs, err := e.store.UndeliveredJobs(ctx, target, e.now())
	if err != nil {
		return err
	}
	jobs = e.retryEligible(jobs)
	if len(jobs) == 0 {
		return nil
	}

	client, err := e.clients.Client(ctx, target)
	if err != nil {
		return err
	}

	delivered, err := e.reconcile(ctx, client, jobs)
	if err != nil {
		// Agent unreachable; leave the backlog for the next sweep rather
		// than burning retry budget against a dead target.
		e.logger.Warn("reconcile failed", "server", target.Server, "err", err)
		return nil
	}

	var errs []error
	for _, job := range jobs {
		if delivered[job.Name] {
			continue
		}
		if err := e.retryJob(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) retryEligible(jobs []models.Job) []models.Job {
	out := jobs[:0]
	for _, job := range jobs {
		if e.types.RetryEligible(job.JobType) {
			out = append(out, job)
		}
	}
	return out
}

// reconcile asks the agent which local names it already accepted and heals
// those records in place. Returns the set of healed names.
func (e *Engine) reconcile(ctx context.Context, client AgentClient, jobs []models.Job) (map[string]bool, error) {
	names := make([]string, len(jobs))
	for i, job := range jobs {
		names[i] = job.Name
	}
	accepted, err := client.GetJobsID(ctx, names)
	if err != nil {
		return nil, err
	}
	delivered := make(map[string]bool, len(accepted))
	for _, a := range accepted {
		if a.ID == 0 {
			continue
		}
		if err := e.store.SetDispatched(ctx, a.AgentJobID, a.ID); err != nil {
			e.logger.Error("heal accepted job", "job", a.AgentJobID, "err", err)
			continue
		}
		delivered[a.AgentJobID] = true
		e.logger.Info("healed lost delivery", "job", a.AgentJobID, "remote_id", a.ID)
	}
	return delivered, nil
}

func (e *Engine) retryJob(ctx context.Context, job models.Job) error {
	// The stored count gates the attempt. A job parked at retry_count n
	// still has budget while n <= max, so a cap of 3 yields three
	// redeliveries before the escalation pass.
	if job.RetryCount > e.types.MaxRetryCount(job.JobType) {
		return e.escalate(ctx, job)
	}
	count, err := e.store.IncrementRetry(ctx, job.Name)
	if err != nil {
		return err
	}
	telemetry.RetryAttempts.Inc()
	job.RetryCount = count
	return e.dispatcher.Dispatch(ctx, job)
}

// escalate gives up on delivery: terminal Delivery Failure, step cascade,
// callbacks.
func (e *Engine) escalate(ctx context.Context, job models.Job) error {
	e.logger.Error("delivery retries exhausted", "job", job.Name,
		"job_type", job.JobType, "server", job.Server)
	return e.store.InJobTx(ctx, func(tx store.JobTx) error {
		fresh, err := tx.GetJob(ctx, job.Name)
		if err != nil {
			return err
		}
		if fresh.IsTerminal() {
			return nil
		}
		now := e.now()
		u := store.JobUpdate{
			Status:    models.StatusDeliveryFailure,
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
		if err := tx.FinishRunningSteps(ctx, fresh.Name, models.StatusDeliveryFailure); err != nil {
			return err
		}
		telemetry.DeliveryFailures.Inc()
		fresh.Status = models.StatusDeliveryFailure
		return e.router.Process(ctx, tx, fresh, nil)
	})
}
