// Package dispatch delivers jobs to agents and drives redelivery. The
// dispatcher handles a single delivery attempt; the retry engine owns the
// backoff schedule and the Delivery Failure escalation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"agent-dispatch/internal/agent"
	"agent-dispatch/internal/callback"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/telemetry"
)

// AgentClient is the slice of the agent client the dispatcher uses.
type AgentClient interface {
	RequestForJob(ctx context.Context, job models.Job) (map[string]any, error)
	GetJobsID(ctx context.Context, names []string) ([]agent.AcceptedJob, error)
}

// Clients resolves an authenticated client for a target.
type Clients interface {
	Client(ctx context.Context, target models.Target) (AgentClient, error)
}

// ClientFunc adapts a closure to Clients.
type ClientFunc func(ctx context.Context, target models.Target) (AgentClient, error)

func (f ClientFunc) Client(ctx context.Context, target models.Target) (AgentClient, error) {
	return f(ctx, target)
}

// Store is the persistence surface shared by the dispatcher and the retry
// engine.
type Store interface {
	SetDispatched(ctx context.Context, name string, remoteID int64) error
	MarkUndelivered(ctx context.Context, name string, retryCount int, nextRetryAt time.Time) error
	IncrementRetry(ctx context.Context, name string) (int, error)
	UndeliveredJobs(ctx context.Context, target models.Target, now time.Time) ([]models.Job, error)
	TargetsWithUndelivered(ctx context.Context, now time.Time) ([]models.Target, error)
	InJobTx(ctx context.Context, fn func(tx store.JobTx) error) error
}

// Dispatcher performs one delivery attempt per call.
type Dispatcher struct {
	store   Store
	clients Clients
	router  *callback.Router
	logger  *slog.Logger
	now     func() time.Time
}

func NewDispatcher(st Store, clients Clients, router *callback.Router, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, clients: clients, router: router, logger: logger, now: time.Now}
}

// Dispatch sends the job to its agent. Outcomes:
//   - accepted: the remote id lands in job_id and the job turns Pending
//   - target tripped: the job parks Undelivered for the retry engine
//   - semantic refusal (4xx): terminal local Failure, callbacks run
//   - transport error: Undelivered with exponential backoff
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job) error {
	client, err := d.clients.Client(ctx, job.Target())
	if err != nil {
		if perr := d.parkForRetry(ctx, job); perr != nil {
			return errors.Join(err, perr)
		}
		return fmt.Errorf("resolve agent client for %s: %w", job.Server, err)
	}

	body, err := client.RequestForJob(ctx, job)
	switch {
	case err == nil:
		remoteID, ok := remoteJobID(body)
		if !ok {
			if perr := d.parkForRetry(ctx, job); perr != nil {
				return perr
			}
			return fmt.Errorf("agent accepted %s without a job id", job.Name)
		}
		if err := d.store.SetDispatched(ctx, job.Name, remoteID); err != nil {
			return err
		}
		telemetry.JobsDelivered.Inc()
		d.logger.Info("job delivered", "job", job.Name, "job_type", job.JobType,
			"server", job.Server, "remote_id", remoteID)
		return nil

	case errors.Is(err, agent.ErrSkipped):
		// Tripped target. Park with the smallest backoff so the retry
		// engine redelivers as soon as the target heals.
		next := d.now().Add(Backoff(1))
		if err := d.store.MarkUndelivered(ctx, job.Name, 1, next); err != nil {
			return err
		}
		d.logger.Info("target tripped, job parked", "job", job.Name, "server", job.Server)
		return nil

	case agent.IsRefusal(err):
		return d.failRefused(ctx, job, err)

	default:
		// Transport failure. The client already fed the failure tracker.
		if perr := d.parkForRetry(ctx, job); perr != nil {
			return errors.Join(err, perr)
		}
		d.logger.Warn("delivery failed, will retry", "job", job.Name,
			"server", job.Server, "err", err)
		return nil
	}
}

func (d *Dispatcher) parkForRetry(ctx context.Context, job models.Job) error {
	count := job.RetryCount
	if count == 0 {
		count = 1
	}
	return d.store.MarkUndelivered(ctx, job.Name, count, d.now().Add(Backoff(count)))
}

// failRefused handles a semantic 4xx: the agent looked at the job and said
// no. That is a terminal local Failure and business code must hear about it
// even though no remote job ever existed.
func (d *Dispatcher) failRefused(ctx context.Context, job models.Job, err error) error {
	var refusal *agent.RefusalError
	errors.As(err, &refusal)
	telemetry.JobsRefused.Inc()
	d.logger.Warn("agent refused job", "job", job.Name, "job_type", job.JobType,
		"server", job.Server, "status_code", refusal.StatusCode)

	return d.store.InJobTx(ctx, func(tx store.JobTx) error {
		fresh, err := tx.GetJob(ctx, job.Name)
		if err != nil {
			return err
		}
		if fresh.IsTerminal() {
			return nil
		}
		now := d.now()
		u := store.JobUpdate{
			Status:    models.StatusFailure,
			Start:     fresh.Start,
			End:       &now,
			Duration:  fresh.Duration,
			Output:    refusal.Output,
			Traceback: refusal.Traceback,
			Data:      fresh.Data,
		}
		if err := tx.UpdateJob(ctx, fresh.Name, u); err != nil {
			return err
		}
		if err := tx.SkipPendingSteps(ctx, fresh.Name); err != nil {
			return err
		}
		if err := tx.FinishRunningSteps(ctx, fresh.Name, models.StatusFailure); err != nil {
			return err
		}
		fresh.Status = models.StatusFailure
		fresh.Output = refusal.Output
		fresh.Trace = refusal.Traceback
		return d.router.Process(ctx, tx, fresh, nil)
	})
}

// Backoff is the redelivery delay after retryCount attempts. The fifth
// power spreads attempts as 1s, 32s, 243s, ~17m, ~52m.
func Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return time.Duration(math.Pow(float64(retryCount), 5)) * time.Second
}

// remoteJobID digs the accepted id out of the agent's response body.
func remoteJobID(body map[string]any) (int64, bool) {
	switch v := body["job"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
