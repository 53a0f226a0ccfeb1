package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agent-dispatch/internal/models"
)

// ErrJobNotFound is returned when a job name resolves to no row.
var ErrJobNotFound = errors.New("agent job not found")

const jobColumns = `name, job_type, server_type, server, site, bench, host, upstream, code_server,
	reference_type, reference_name, request_method, request_path, request_data, request_files,
	status, job_id, start_at, end_at, duration, output, traceback, data,
	retry_count, next_retry_at, callback_failure_count, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	JobType       string
	ServerType    string
	Server        string
	Site          string
	Bench         string
	Host          string
	Upstream      string
	CodeServer    string
	ReferenceType string
	ReferenceName string
	RequestMethod string
	RequestPath   string
	RequestData   map[string]any
	RequestFiles  map[string]string
	// Ordered step names from the job type template.
	Steps []string
}

// CreateJob inserts the job row and its step sequence in one transaction.
// The local name is assigned here and is stable for the job's lifetime.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.RequestMethod == "" {
		p.RequestMethod = "POST"
	}
	if p.RequestData == nil {
		p.RequestData = map[string]any{}
	}
	dataJSON, err := json.Marshal(p.RequestData)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal request data: %w", err)
	}
	filesJSON, err := json.Marshal(orEmptyFiles(p.RequestFiles))
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal request files: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	name := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO agent_jobs (name, job_type, server_type, server, site, bench, host, upstream, code_server,
			reference_type, reference_name, request_method, request_path, request_data, request_files,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`, name, p.JobType, p.ServerType, p.Server, p.Site, p.Bench, p.Host, p.Upstream, p.CodeServer,
		p.ReferenceType, p.ReferenceName, p.RequestMethod, p.RequestPath, dataJSON, filesJSON,
		models.StatusUndelivered, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	for _, step := range p.Steps {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agent_job_steps (agent_job, step_name, status, created_at)
			VALUES ($1, $2, $3, NOW())
		`, name, step, models.StatusPending); err != nil {
			return models.Job{}, fmt.Errorf("insert step %s: %w", step, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		Name:          name,
		JobType:       p.JobType,
		ServerType:    p.ServerType,
		Server:        p.Server,
		Site:          p.Site,
		Bench:         p.Bench,
		Host:          p.Host,
		Upstream:      p.Upstream,
		CodeServer:    p.CodeServer,
		ReferenceType: p.ReferenceType,
		ReferenceName: p.ReferenceName,
		RequestMethod: p.RequestMethod,
		RequestPath:   p.RequestPath,
		RequestData:   p.RequestData,
		RequestFiles:  p.RequestFiles,
		Status:        models.StatusUndelivered,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// GetJob fetches a job by its local name.
func (s *Store) GetJob(ctx context.Context, name string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE name = $1`, name)
	return scanJob(row)
}

// FindDuplicateJob returns the currently-in-execution equivalent of the
// given request, if one exists: same target, contract, and correlators, not
// yet terminal.
func (s *Store) FindDuplicateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM agent_jobs
		WHERE server_type = $1 AND server = $2 AND job_type = $3
			AND request_method = $4 AND request_path = $5
			AND site = $6 AND bench = $7 AND host = $8 AND upstream = $9 AND code_server = $10
			AND status NOT IN ($11, $12, $13)
		ORDER BY created_at DESC
		LIMIT 1
	`, p.ServerType, p.Server, p.JobType, p.RequestMethod, p.RequestPath,
		p.Site, p.Bench, p.Host, p.Upstream, p.CodeServer,
		models.StatusSuccess, models.StatusFailure, models.StatusDeliveryFailure)
	job, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// PendingJobs returns delivered, unfinished jobs for a target, ordered by
// remote id.
func (s *Store) PendingJobs(ctx context.Context, target models.Target) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM agent_jobs
		WHERE server = $1 AND server_type = $2 AND status IN ($3, $4) AND job_id != 0
		ORDER BY job_id
	`, target.Server, target.ServerType, models.StatusPending, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	return scanJobs(rows)
}

// UndeliveredJobs returns jobs eligible for a retry pass: never accepted by
// the agent, at least one failed dispatch, backoff window elapsed.
func (s *Store) UndeliveredJobs(ctx context.Context, target models.Target, now time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM agent_jobs
		WHERE server = $1 AND server_type = $2 AND status = $3
			AND job_id = 0 AND retry_count >= 1
			AND (next_retry_at IS NULL OR next_retry_at <= $4)
		ORDER BY created_at
	`, target.Server, target.ServerType, models.StatusUndelivered, now)
	if err != nil {
		return nil, fmt.Errorf("query undelivered jobs: %w", err)
	}
	return scanJobs(rows)
}

// TargetsWithPending lists targets that have delivered jobs awaiting a poll.
func (s *Store) TargetsWithPending(ctx context.Context) ([]models.Target, error) {
	return s.targets(ctx, `
		SELECT DISTINCT server_type, server FROM agent_jobs
		WHERE status IN ($1, $2) AND job_id != 0
	`, models.StatusPending, models.StatusRunning)
}

// TargetsWithUndelivered lists targets that have undelivered work due for a
// retry pass.
func (s *Store) TargetsWithUndelivered(ctx context.Context, now time.Time) ([]models.Target, error) {
	return s.targets(ctx, `
		SELECT DISTINCT server_type, server FROM agent_jobs
		WHERE status = $1 AND job_id = 0 AND retry_count >= 1
			AND (next_retry_at IS NULL OR next_retry_at <= $2)
	`, models.StatusUndelivered, now)
}

func (s *Store) targets(ctx context.Context, sql string, args ...any) ([]models.Target, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()
	var out []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.ServerType, &t.Server); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetDispatched records the remote id the agent assigned and transitions the
// job to Pending. The job_id guard keeps delivery at-most-once: a second
// accepted id for the same local name is never recorded over the first.
func (s *Store) SetDispatched(ctx context.Context, name string, remoteID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_jobs
		SET job_id = $2, status = $3, retry_count = 0, next_retry_at = NULL, updated_at = NOW()
		WHERE name = $1 AND (job_id = 0 OR job_id = $2)
	`, name, remoteID, models.StatusPending)
	if err != nil {
		return fmt.Errorf("set dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s already holds a different remote id", name)
	}
	return nil
}

// MarkUndelivered parks the job for the retry engine with the given backoff.
func (s *Store) MarkUndelivered(ctx context.Context, name string, retryCount int, nextRetryAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agent_jobs
		SET status = $2, retry_count = $3, next_retry_at = $4, updated_at = NOW()
		WHERE name = $1 AND status NOT IN ($5, $6, $7)
	`, name, models.StatusUndelivered, retryCount, nextRetryAt,
		models.StatusSuccess, models.StatusFailure, models.StatusDeliveryFailure)
	if err != nil {
		return fmt.Errorf("mark undelivered: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry counter before a redispatch attempt.
func (s *Store) IncrementRetry(ctx context.Context, name string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE agent_jobs SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE name = $1
		RETURNING retry_count
	`, name).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// IncrementCallbackFailure commits only the counter bump; the surrounding
// poll transaction has already been rolled back when this is called.
func (s *Store) IncrementCallbackFailure(ctx context.Context, name string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE agent_jobs SET callback_failure_count = callback_failure_count + 1, updated_at = NOW()
		WHERE name = $1
		RETURNING callback_failure_count
	`, name).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment callback failures: %w", err)
	}
	return count, nil
}

// StaleDelivered returns long-stale jobs the agent accepted but never
// finished reporting on.
func (s *Store) StaleDelivered(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM agent_jobs
		WHERE status IN ($1, $2) AND job_id != 0 AND created_at < $3
		ORDER BY created_at
		LIMIT $4
	`, models.StatusPending, models.StatusRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale delivered jobs: %w", err)
	}
	return scanJobs(rows)
}

// StaleUndelivered returns long-stale jobs that never obtained a remote id
// and are not yet in a terminal state.
func (s *Store) StaleUndelivered(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM agent_jobs
		WHERE job_id = 0 AND status NOT IN ($1, $2, $3) AND created_at < $4
		ORDER BY created_at
		LIMIT $5
	`, models.StatusSuccess, models.StatusFailure, models.StatusDeliveryFailure, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale undelivered jobs: %w", err)
	}
	return scanJobs(rows)
}

// CountInFlight returns how many delivered jobs still await a terminal
// status.
func (s *Store) CountInFlight(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM agent_jobs
		WHERE status IN ($1, $2) AND job_id <> 0
	`, models.StatusPending, models.StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight jobs: %w", err)
	}
	return n, nil
}

// AgentUpdateAround reports whether an Update Agent job on the target was
// open, or finished within the preceding fifteen minutes, at the given time.
// Broken pipes during that window are maintenance fallout, not job bugs.
func (s *Store) AgentUpdateAround(ctx context.Context, target models.Target, around time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM agent_jobs
			WHERE job_type = 'Update Agent'
			  AND server_type = $1 AND server = $2
			  AND created_at <= $3
			  AND (status IN ($4, $5, $6) OR end_at >= $7)
		)
	`, target.ServerType, target.Server, around,
		models.StatusUndelivered, models.StatusPending, models.StatusRunning,
		around.Add(-15*time.Minute)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query agent update window: %w", err)
	}
	return exists, nil
}

// Steps returns the job's step sequence in creation order.
func (s *Store) Steps(ctx context.Context, jobName string) ([]models.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_job, step_name, status, start_at, end_at, duration, output, traceback, data, created_at
		FROM agent_job_steps WHERE agent_job = $1 ORDER BY id
	`, jobName)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	return scanSteps(rows)
}

func orEmptyFiles(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	var dataJSON, filesJSON, returnedJSON []byte
	err := row.Scan(&j.Name, &j.JobType, &j.ServerType, &j.Server, &j.Site, &j.Bench, &j.Host,
		&j.Upstream, &j.CodeServer, &j.ReferenceType, &j.ReferenceName,
		&j.RequestMethod, &j.RequestPath, &dataJSON, &filesJSON,
		&j.Status, &j.JobID, &j.Start, &j.End, &j.Duration, &j.Output, &j.Trace, &returnedJSON,
		&j.RetryCount, &j.NextRetryAt, &j.CallbackFailureCount, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(dataJSON, &j.RequestData); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal request data: %w", err)
	}
	if err := json.Unmarshal(filesJSON, &j.RequestFiles); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal request files: %w", err)
	}
	if len(returnedJSON) > 0 {
		if err := json.Unmarshal(returnedJSON, &j.Data); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job data: %w", err)
		}
	}
	return j, nil
}

func scanJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanSteps(rows pgx.Rows) ([]models.Step, error) {
	defer rows.Close()
	var out []models.Step
	for rows.Next() {
		var st models.Step
		var dataJSON []byte
		if err := rows.Scan(&st.ID, &st.JobName, &st.StepName, &st.Status, &st.Start, &st.End,
			&st.Duration, &st.Output, &st.Trace, &dataJSON, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &st.Data); err != nil {
				return nil, fmt.Errorf("unmarshal step data: %w", err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
