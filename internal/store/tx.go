package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agent-dispatch/internal/models"
)

// JobUpdate carries the fields a poll response may change on a job.
type JobUpdate struct {
	Status    string
	Start     *time.Time
	End       *time.Time
	Duration  string
	Output    string
	Traceback string
	Data      map[string]any
}

// StepUpdate carries the fields a poll response may change on a step.
type StepUpdate struct {
	Status    string
	Start     *time.Time
	End       *time.Time
	Duration  string
	Output    string
	Traceback string
	Data      map[string]any
}

// JobTx is one transaction around a single job's update-plus-callback. The
// poller, retry engine, and reaper each open one per job so a failing
// callback rolls back only that job's changes. Callbacks receive the same
// transaction and write business state through Exec.
type JobTx interface {
	// GetJob reads the job with a row lock, serializing concurrent updaters.
	GetJob(ctx context.Context, name string) (models.Job, error)
	// LockEntity takes the hierarchical correlated-entity lock: site, else
	// bench, else the job's server row.
	LockEntity(ctx context.Context, job models.Job) error
	// UpdateJob applies a status transition. Terminal statuses are
	// monotonic: a job already terminal is left untouched.
	UpdateJob(ctx context.Context, name string, u JobUpdate) error
	// OpenSteps returns the job's still Pending or Running steps.
	OpenSteps(ctx context.Context, jobName string) ([]models.Step, error)
	// UpdateStep applies a step-level change.
	UpdateStep(ctx context.Context, stepID int64, u StepUpdate) error
	// SkipPendingSteps marks still-Pending steps Skipped once the job is
	// terminal.
	SkipPendingSteps(ctx context.Context, jobName string) error
	// FinishRunningSteps makes Running steps adopt the job's terminal
	// status.
	FinishRunningSteps(ctx context.Context, jobName, status string) error
	// Exec runs an arbitrary statement inside the transaction.
	Exec(ctx context.Context, sql string, args ...any) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// InJobTx runs fn inside a JobTx, committing on nil and rolling back
// otherwise.
func (s *Store) InJobTx(ctx context.Context, fn func(tx JobTx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Begin opens a JobTx for callers that need explicit commit control.
func (s *Store) Begin(ctx context.Context) (JobTx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgJobTx{tx: tx}, nil
}

type pgJobTx struct {
	tx pgx.Tx
}

func (t *pgJobTx) GetJob(ctx context.Context, name string) (models.Job, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE name = $1 FOR UPDATE`, name)
	return scanJob(row)
}

func (t *pgJobTx) LockEntity(ctx context.Context, job models.Job) error {
	var sql string
	var key string
	switch {
	case job.Site != "":
		sql, key = `SELECT name FROM sites WHERE name = $1 FOR UPDATE`, job.Site
	case job.Bench != "":
		sql, key = `SELECT name FROM benches WHERE name = $1 FOR UPDATE`, job.Bench
	default:
		sql, key = `SELECT name FROM servers WHERE name = $1 FOR UPDATE`, job.Server
	}
	var name string
	err := t.tx.QueryRow(ctx, sql, key).Scan(&name)
	if err == pgx.ErrNoRows {
		// Entity row is gone (archived and purged); nothing to serialize on.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock entity %s: %w", key, err)
	}
	return nil
}

func (t *pgJobTx) UpdateJob(ctx context.Context, name string, u JobUpdate) error {
	dataJSON, err := json.Marshal(orEmptyData(u.Data))
	if err != nil {
		return fmt.Errorf("marshal job data: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE agent_jobs
		SET status = $2, start_at = $3, end_at = $4, duration = $5,
			output = $6, traceback = $7, data = $8, updated_at = NOW()
		WHERE name = $1 AND status NOT IN ($9, $10, $11)
	`, name, u.Status, u.Start, u.End, u.Duration, u.Output, u.Traceback, dataJSON,
		models.StatusSuccess, models.StatusFailure, models.StatusDeliveryFailure)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (t *pgJobTx) OpenSteps(ctx context.Context, jobName string) ([]models.Step, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, agent_job, step_name, status, start_at, end_at, duration, output, traceback, data, created_at
		FROM agent_job_steps
		WHERE agent_job = $1 AND status IN ($2, $3)
		ORDER BY id
	`, jobName, models.StatusPending, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query open steps: %w", err)
	}
	return scanSteps(rows)
}

func (t *pgJobTx) UpdateStep(ctx context.Context, stepID int64, u StepUpdate) error {
	dataJSON, err := json.Marshal(orEmptyData(u.Data))
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE agent_job_steps
		SET status = $2, start_at = $3, end_at = $4, duration = $5,
			output = $6, traceback = $7, data = $8
		WHERE id = $1
	`, stepID, u.Status, u.Start, u.End, u.Duration, u.Output, u.Traceback, dataJSON)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return nil
}

func (t *pgJobTx) SkipPendingSteps(ctx context.Context, jobName string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE agent_job_steps SET status = $2
		WHERE agent_job = $1 AND status = $3
	`, jobName, models.StatusSkipped, models.StatusPending)
	if err != nil {
		return fmt.Errorf("skip pending steps: %w", err)
	}
	return nil
}

func (t *pgJobTx) FinishRunningSteps(ctx context.Context, jobName, status string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE agent_job_steps SET status = $2, end_at = COALESCE(end_at, NOW())
		WHERE agent_job = $1 AND status = $3
	`, jobName, status, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("finish running steps: %w", err)
	}
	return nil
}

func (t *pgJobTx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *pgJobTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgJobTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func orEmptyData(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
