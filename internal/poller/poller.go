// Package poller reconciles delivered jobs with what the agents report.
// Each target is polled independently; each polled job gets its own
// transaction so a bad callback never poisons the rest of the batch.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"agent-dispatch/internal/agent"
	"agent-dispatch/internal/callback"
	"agent-dispatch/internal/events"
	"agent-dispatch/internal/jobtypes"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/telemetry"
)

// Store is the persistence surface the poller reads and writes.
type Store interface {
	PendingJobs(ctx context.Context, target models.Target) ([]models.Job, error)
	GetServer(ctx context.Context, target models.Target) (store.ServerInfo, error)
	GetJobDetail(ctx context.Context, name string) (store.JobDetail, error)
	InJobTx(ctx context.Context, fn func(tx store.JobTx) error) error
}

// AgentClient is the slice of the agent client the poller uses.
type AgentClient interface {
	GetJobs(ctx context.Context, ids []int64) ([]agent.PolledJob, error)
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

// Skipper is the failure tracker's circuit-breaker check.
type Skipper interface {
	ShouldSkip(ctx context.Context, target models.Target, jobType string) bool
}

// RetryEngine redelivers a target's undelivered backlog after its poll pass.
type RetryEngine interface {
	RetryTarget(ctx context.Context, target models.Target) error
}

// OutputCache streams running-step output for dashboard consumers.
type OutputCache interface {
	Put(ctx context.Context, jobName string, stepID int64, chunk string) error
	Expire(ctx context.Context, jobName string, stepID int64) error
}

// Poller drives one poll pass per target.
type Poller struct {
	store    Store
	clients  Clients
	skipper  Skipper
	router   *callback.Router
	retry    RetryEngine
	types    *jobtypes.Set
	cache    OutputCache
	sink     events.Sink
	batch    int
	realtime bool
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	lastPolled map[string]time.Time
}

// Options configures optional poller behavior.
type Options struct {
	// BatchSize caps remote ids per bulk poll request. Defaults to 100.
	BatchSize int
	// Realtime enables streaming running-step output to the cache.
	Realtime bool
}

func New(st Store, clients Clients, skipper Skipper, router *callback.Router,
	retry RetryEngine, types *jobtypes.Set, cache OutputCache, sink events.Sink,
	opts Options, logger *slog.Logger) *Poller {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Poller{
		store:      st,
		clients:    clients,
		skipper:    skipper,
		router:     router,
		retry:      retry,
		types:      types,
		cache:      cache,
		sink:       sink,
		batch:      batch,
		realtime:   opts.Realtime,
		logger:     logger,
		now:        time.Now,
		lastPolled: make(map[string]time.Time),
	}
}

// PollServer runs one poll pass for the target: sample its delivered jobs,
// ask the agent about them, fold the answers in, then hand the target to
// the retry engine.
func (p *Poller) PollServer(ctx context.Context, target models.Target) error {
	telemetry.PollTicks.Inc()

	if p.skipper.ShouldSkip(ctx, target, "") {
		return nil
	}
	if info, err := p.store.GetServer(ctx, target); err != nil || info.Status != "Active" {
		// Unknown or administratively inactive targets are not polled.
		return nil
	}

	jobs, err := p.store.PendingJobs(ctx, target)
	if err != nil {
		telemetry.PollFailures.Inc()
		return err
	}
	jobs = p.dueForPoll(jobs)

	var errs []error
	if len(jobs) > 0 {
		if err := p.pollBatch(ctx, target, p.sample(jobs)); err != nil {
			telemetry.PollFailures.Inc()
			errs = append(errs, err)
		}
	}

	if err := p.retry.RetryTarget(ctx, target); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// dueForPoll drops jobs whose type declares a minimum poll interval that has
// not yet lapsed. Long-running types like site backups tolerate infrequent
// polling, and skipping them keeps the sampled batch useful.
func (p *Poller) dueForPoll(jobs []models.Job) []models.Job {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := jobs[:0]
	for _, job := range jobs {
		min := p.types.MinPollInterval(job.JobType)
		if min > 0 {
			if last, ok := p.lastPolled[job.Name]; ok && now.Sub(last) < min {
				continue
			}
		}
		out = append(out, job)
	}
	return out
}

func (p *Poller) markPolled(names []string) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		p.lastPolled[n] = now
	}
	if len(p.lastPolled) > 8192 {
		for name, t := range p.lastPolled {
			if now.Sub(t) > time.Hour {
				delete(p.lastPolled, name)
			}
		}
	}
}

func (p *Poller) forgetPolled(name string) {
	p.mu.Lock()
	delete(p.lastPolled, name)
	p.mu.Unlock()
}

// sample picks up to batch jobs uniformly at random, preventing starvation
// when a target holds more delivered jobs than one request may carry.
func (p *Poller) sample(jobs []models.Job) []models.Job {
	if len(jobs) <= p.batch {
		return jobs
	}
	picked := make([]models.Job, len(jobs))
	copy(picked, jobs)
	rand.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	return picked[:p.batch]
}

func (p *Poller) pollBatch(ctx context.Context, target models.Target, jobs []models.Job) error {
	client, err := p.clients.Client(ctx, target)
	if err != nil {
		return err
	}

	byRemote := make(map[int64]models.Job, len(jobs))
	ids := make([]int64, 0, len(jobs))
	names := make([]string, 0, len(jobs))
	for _, job := range jobs {
		byRemote[job.JobID] = job
		ids = append(ids, job.JobID)
		names = append(names, job.Name)
	}

	polled, err := client.GetJobs(ctx, ids)
	if err != nil {
		return fmt.Errorf("poll %s: %w", target, err)
	}
	p.markPolled(names)

	var errs []error
	for _, pj := range polled {
		job, ok := byRemote[pj.ID]
		if !ok {
			continue
		}
		if err := p.applyUpdate(ctx, job, pj); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

// applyUpdate folds one polled job into the store inside its own
// transaction: job fields, step sync, the terminal step cascade, and the
// business callback, committed together.
func (p *Poller) applyUpdate(ctx context.Context, job models.Job, polled agent.PolledJob) error {
	var updated bool
	err := p.store.InJobTx(ctx, func(tx store.JobTx) error {
		fresh, err := tx.GetJob(ctx, job.Name)
		if err != nil {
			return err
		}
		if fresh.IsTerminal() {
			// A slower competing poller already landed the final word.
			return nil
		}

		statusChanged := polled.Status != fresh.Status
		if statusChanged && models.IsPairJob(fresh.JobType) {
			// Callbacks of paired jobs mutate the same entity; the
			// hierarchical lock serializes them.
			if err := tx.LockEntity(ctx, fresh); err != nil {
				return err
			}
		}

		stepChanged, err := p.syncSteps(ctx, tx, fresh, polled)
		if err != nil {
			return err
		}
		if !statusChanged && !stepChanged {
			return nil
		}
		updated = true

		if statusChanged {
			u := store.JobUpdate{
				Status:    polled.Status,
				Start:     polled.Start.Ptr(),
				End:       polled.End.Ptr(),
				Duration:  polled.Duration,
				Output:    polled.Output(),
				Traceback: polled.Traceback(),
				Data:      polled.Data,
			}
			if err := tx.UpdateJob(ctx, fresh.Name, u); err != nil {
				return err
			}
			fresh.Status = polled.Status
			fresh.Output = polled.Output()
			fresh.Trace = polled.Traceback()
			fresh.Data = polled.Data
		}

		if fresh.IsTerminal() {
			if err := tx.SkipPendingSteps(ctx, fresh.Name); err != nil {
				return err
			}
		}
		return p.router.Process(ctx, tx, fresh, &polled)
	})

	if err != nil {
		if callback.IsRetry(err) {
			// Counter already bumped; the next poll replays the whole
			// update.
			return nil
		}
		return err
	}
	if !updated {
		return nil
	}

	if models.IsTerminal(polled.Status) {
		p.forgetPolled(job.Name)
	}
	p.publish(ctx, job.Name, polled.Status)
	return nil
}

// syncSteps applies polled step states onto the job's open steps, matching
// by name in order. Duplicate step names resolve pairwise: the first open
// step takes the first unconsumed polled entry with its name.
func (p *Poller) syncSteps(ctx context.Context, tx store.JobTx, job models.Job, polled agent.PolledJob) (bool, error) {
	open, err := tx.OpenSteps(ctx, job.Name)
	if err != nil {
		return false, err
	}
	if len(open) == 0 {
		return false, nil
	}

	consumed := make([]bool, len(polled.Steps))
	changed := false
	for _, step := range open {
		var match *agent.PolledStep
		for i := range polled.Steps {
			if !consumed[i] && polled.Steps[i].Name == step.StepName {
				consumed[i] = true
				match = &polled.Steps[i]
				break
			}
		}
		if match == nil {
			continue
		}

		if p.realtime && match.Status == models.StatusRunning {
			if err := p.cache.Put(ctx, job.Name, step.ID, match.CommandOutput()); err != nil {
				p.logger.Debug("stream step output", "job", job.Name, "step", step.StepName, "err", err)
			}
		}

		if match.Status == step.Status {
			continue
		}
		u := store.StepUpdate{
			Status:    match.Status,
			Start:     match.Start.Ptr(),
			End:       match.End.Ptr(),
			Duration:  match.Duration,
			Output:    match.Output(),
			Traceback: match.Traceback(),
			Data:      match.Data,
		}
		if err := tx.UpdateStep(ctx, step.ID, u); err != nil {
			return changed, err
		}
		changed = true
		if p.realtime && models.IsTerminal(match.Status) {
			if err := p.cache.Expire(ctx, job.Name, step.ID); err != nil {
				p.logger.Debug("expire step output", "job", job.Name, "step", step.StepName, "err", err)
			}
		}
	}
	return changed, nil
}

func (p *Poller) publish(ctx context.Context, jobName, status string) {
	detail, err := p.store.GetJobDetail(ctx, jobName)
	if err != nil {
		p.logger.Debug("build job detail", "job", jobName, "err", err)
		return
	}
	p.sink.JobChanged(ctx, detail)
	if models.IsTerminal(status) {
		p.sink.ListChanged(ctx, "Agent Job")
	}
}
