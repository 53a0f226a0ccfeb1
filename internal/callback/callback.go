// Package callback routes observed job status transitions to registered
// business callbacks. Callbacks run inside the poll transaction so their
// writes commit atomically with the job update that triggered them.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agent-dispatch/internal/agent"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/telemetry"
)

// Func reacts to a job update. tx is the transaction the poller opened for
// this job; writes through it roll back together with the status update if
// the callback fails.
type Func func(ctx context.Context, tx store.JobTx, job models.Job, polled *agent.PolledJob) error

// RetryError marks a callback failure as transient. The poller rolls the
// job's transaction back and the next poll retries the whole update.
type RetryError struct {
	Err error
}

func (e *RetryError) Error() string { return fmt.Sprintf("callback retry: %v", e.Err) }
func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err so the router treats the callback failure as retryable.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &RetryError{Err: err}
}

// IsRetry reports whether err is (or wraps) a RetryError.
func IsRetry(err error) bool {
	var re *RetryError
	return errors.As(err, &re)
}

type key struct {
	jobType       string
	referenceType string
}

type entry struct {
	fn Func
	// overridesArchive lets site-migration callbacks run even after the
	// correlated site is archived.
	overridesArchive bool
}

// Registry maps (job_type, reference_type) pairs to callbacks. A
// registration with an empty reference type is the fallback for the job
// type.
type Registry struct {
	entries map[key]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[key]entry)}
}

// Register binds fn to the (jobType, referenceType) pair. Registering the
// same pair twice replaces the earlier binding.
func (r *Registry) Register(jobType, referenceType string, fn Func) {
	r.entries[key{jobType, referenceType}] = entry{fn: fn}
}

// RegisterMigration is Register for site-migration callbacks, which bypass
// archived-site suppression.
func (r *Registry) RegisterMigration(jobType, referenceType string, fn Func) {
	r.entries[key{jobType, referenceType}] = entry{fn: fn, overridesArchive: true}
}

func (r *Registry) lookup(jobType, referenceType string) (entry, bool) {
	if e, ok := r.entries[key{jobType, referenceType}]; ok {
		return e, true
	}
	e, ok := r.entries[key{jobType, ""}]
	return e, ok
}

// Store is the persistence surface the router needs outside the poll
// transaction.
type Store interface {
	SiteStatus(ctx context.Context, site string) (string, error)
	IncrementCallbackFailure(ctx context.Context, jobName string) (int, error)
}

// Notifier emits user-visible notifications for terminally failed jobs.
type Notifier interface {
	JobFailed(ctx context.Context, job models.Job)
}

// Router dispatches job updates to registered callbacks and applies the
// error semantics: retryable failures bump a counter and retry on the next
// poll, unknown failures abort the poll result with throttled logging.
type Router struct {
	registry *Registry
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

func NewRouter(registry *Registry, st Store, notifier Notifier, logger *slog.Logger) *Router {
	return &Router{registry: registry, store: st, notifier: notifier, logger: logger}
}

// Process runs the registered callback for the job, then emits a failure
// notification when the job ended in Failure or Delivery Failure. The
// returned error is a *RetryError when the caller should roll back and let
// the next poll retry; any other error aborts this job's poll result.
func (p *Router) Process(ctx context.Context, tx store.JobTx, job models.Job, polled *agent.PolledJob) error {
	if err := p.runCallback(ctx, tx, job, polled); err != nil {
		return err
	}
	if job.Status == models.StatusFailure || job.Status == models.StatusDeliveryFailure {
		p.notifier.JobFailed(ctx, job)
	}
	return nil
}

func (p *Router) runCallback(ctx context.Context, tx store.JobTx, job models.Job, polled *agent.PolledJob) error {
	e, ok := p.registry.lookup(job.JobType, job.ReferenceType)
	if !ok {
		return nil
	}

	if job.Site != "" && !e.overridesArchive {
		status, err := p.store.SiteStatus(ctx, job.Site)
		if err != nil {
			return fmt.Errorf("check site status: %w", err)
		}
		if status == "Archived" {
			p.logger.Debug("callback suppressed for archived site", "job", job.Name, "site", job.Site)
			return nil
		}
	}

	err := e.fn(ctx, tx, job, polled)
	if err == nil {
		return nil
	}

	telemetry.CallbackFailures.Inc()
	count, cerr := p.store.IncrementCallbackFailure(ctx, job.Name)
	if cerr != nil {
		p.logger.Error("bump callback failure count", "job", job.Name, "err", cerr)
	}

	if IsRetry(err) {
		p.logger.Warn("callback failed, will retry on next poll",
			"job", job.Name, "job_type", job.JobType, "failures", count, "err", err)
		return err
	}

	if atFailureMark(count) {
		p.logger.Error("callback failing persistently",
			"job", job.Name, "job_type", job.JobType, "reference_type", job.ReferenceType,
			"failures", count, "err", err)
	} else {
		p.logger.Warn("callback failed", "job", job.Name, "err", err)
	}
	return fmt.Errorf("callback for %s: %w", job.JobType, err)
}

// atFailureMark throttles loud diagnostics to counts 10, 100 and every
// multiple of 1000.
func atFailureMark(count int) bool {
	if count == 10 || count == 100 {
		return true
	}
	return count >= 1000 && count%1000 == 0
}
