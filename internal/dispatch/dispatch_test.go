package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"agent-dispatch/internal/agent"
	"agent-dispatch/internal/callback"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeTx records JobTx calls so tests can assert on the transaction body.
type fakeTx struct {
	job           models.Job
	getErr        error
	updates       []store.JobUpdate
	stepUpdates   []store.StepUpdate
	openSteps     []models.Step
	skipped       bool
	finished      string
	lockedEntity  bool
	committed     bool
	rolledBack    bool
	execStatement string
}

func (t *fakeTx) GetJob(ctx context.Context, name string) (models.Job, error) {
	if t.getErr != nil {
		return models.Job{}, t.getErr
	}
	return t.job, nil
}

func (t *fakeTx) LockEntity(ctx context.Context, job models.Job) error {
	t.lockedEntity = true
	return nil
}

func (t *fakeTx) UpdateJob(ctx context.Context, name string, u store.JobUpdate) error {
	t.updates = append(t.updates, u)
	return nil
}

func (t *fakeTx) OpenSteps(ctx context.Context, jobName string) ([]models.Step, error) {
	return t.openSteps, nil
}

func (t *fakeTx) UpdateStep(ctx context.Context, stepID int64, u store.StepUpdate) error {
	t.stepUpdates = append(t.stepUpdates, u)
	return nil
}

func (t *fakeTx) SkipPendingSteps(ctx context.Context, jobName string) error {
	t.skipped = true
	return nil
}

func (t *fakeTx) FinishRunningSteps(ctx context.Context, jobName, status string) error {
	t.finished = status
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) error {
	t.execStatement = sql
	return nil
}

func (t *fakeTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { t.rolledBack = true; return nil }

type dispatched struct {
	name     string
	remoteID int64
}

type parked struct {
	name       string
	retryCount int
	nextAt     time.Time
}

// fakeStore records the dispatcher's persistence calls.
type fakeStore struct {
	tx          *fakeTx
	dispatched  []dispatched
	parkings    []parked
	increments  map[string]int
	undelivered []models.Job
	targets     []models.Target
}

func newFakeStore(job models.Job) *fakeStore {
	return &fakeStore{tx: &fakeTx{job: job}, increments: map[string]int{}}
}

func (s *fakeStore) SetDispatched(ctx context.Context, name string, remoteID int64) error {
	s.dispatched = append(s.dispatched, dispatched{name, remoteID})
	return nil
}

func (s *fakeStore) MarkUndelivered(ctx context.Context, name string, retryCount int, nextRetryAt time.Time) error {
	s.parkings = append(s.parkings, parked{name, retryCount, nextRetryAt})
	return nil
}

func (s *fakeStore) IncrementRetry(ctx context.Context, name string) (int, error) {
	s.increments[name]++
	return s.increments[name], nil
}

func (s *fakeStore) UndeliveredJobs(ctx context.Context, target models.Target, now time.Time) ([]models.Job, error) {
	return s.undelivered, nil
}

func (s *fakeStore) TargetsWithUndelivered(ctx context.Context, now time.Time) ([]models.Target, error) {
	return s.targets, nil
}

func (s *fakeStore) InJobTx(ctx context.Context, fn func(tx store.JobTx) error) error {
	if err := fn(s.tx); err != nil {
		s.tx.rolledBack = true
		return err
	}
	s.tx.committed = true
	return nil
}

// fakeClient scripts one agent's responses.
type fakeClient struct {
	requestBody map[string]any
	requestErr  error
	accepted    []agent.AcceptedJob
	acceptedErr error
	requested   []string
	askedNames  [][]string
}

func (c *fakeClient) RequestForJob(ctx context.Context, job models.Job) (map[string]any, error) {
	c.requested = append(c.requested, job.Name)
	return c.requestBody, c.requestErr
}

func (c *fakeClient) GetJobsID(ctx context.Context, names []string) ([]agent.AcceptedJob, error) {
	c.askedNames = append(c.askedNames, names)
	return c.accepted, c.acceptedErr
}

func clientsFor(c *fakeClient) Clients {
	return ClientFunc(func(ctx context.Context, target models.Target) (AgentClient, error) {
		return c, nil
	})
}

type routerStore struct {
	siteStatus string
	failures   map[string]int
}

func (s *routerStore) SiteStatus(ctx context.Context, site string) (string, error) {
	return s.siteStatus, nil
}

func (s *routerStore) IncrementCallbackFailure(ctx context.Context, jobName string) (int, error) {
	if s.failures == nil {
		s.failures = map[string]int{}
	}
	s.failures[jobName]++
	return s.failures[jobName], nil
}

type recordingNotifier struct {
	failed []models.Job
}

func (n *recordingNotifier) JobFailed(ctx context.Context, job models.Job) {
	n.failed = append(n.failed, job)
}

func testRouter(notifier *recordingNotifier) *callback.Router {
	return callback.NewRouter(callback.NewRegistry(), &routerStore{}, notifier, testLogger)
}

func testJob() models.Job {
	return models.Job{
		Name:       "job-0001",
		JobType:    "New Site",
		ServerType: models.ServerTypeApp,
		Server:     "n1.example.com",
		Site:       "site.example.com",
		Status:     models.StatusUndelivered,
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := map[int]time.Duration{
		0: time.Second,
		1: time.Second,
		2: 32 * time.Second,
		3: 243 * time.Second,
		4: 1024 * time.Second,
		5: 3125 * time.Second,
	}
	for count, expected := range want {
		if got := Backoff(count); got != expected {
			t.Fatalf("Backoff(%d) = %s, want %s", count, got, expected)
		}
	}
}

func TestDispatchAccepted(t *testing.T) {
	job := testJob()
	st := newFakeStore(job)
	client := &fakeClient{requestBody: map[string]any{"job": float64(42)}}
	notifier := &recordingNotifier{}
	d := NewDispatcher(st, clientsFor(client), testRouter(notifier), testLogger)

	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(st.dispatched) != 1 || st.dispatched[0].remoteID != 42 {
		t.Fatalf("expected remote id 42 recorded, got %+v", st.dispatched)
	}
	if len(st.parkings) != 0 {
		t.Fatalf("accepted job must not be parked: %+v", st.parkings)
	}
}

func TestDispatchSkippedParksWithMinimumBackoff(t *testing.T) {
	job := testJob()
	st := newFakeStore(job)
	client := &fakeClient{requestErr: agent.ErrSkipped}
	d := NewDispatcher(st, clientsFor(client), testRouter(&recordingNotifier{}), testLogger)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(st.parkings) != 1 {
		t.Fatalf("expected one parking, got %d", len(st.parkings))
	}
	p := st.parkings[0]
	if p.retryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", p.retryCount)
	}
	if !p.nextAt.Equal(base.Add(time.Second)) {
		t.Fatalf("expected next retry at +1s, got %s", p.nextAt)
	}
}

func TestDispatchRefusalFailsTerminally(t *testing.T) {
	job := testJob()
	st := newFakeStore(job)
	client := &fakeClient{requestErr: &agent.RefusalError{
		StatusCode: 422,
		Output:     "site already exists",
		Traceback:  "trace",
	}}
	notifier := &recordingNotifier{}
	d := NewDispatcher(st, clientsFor(client), testRouter(notifier), testLogger)

	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(st.tx.updates) != 1 {
		t.Fatalf("expected one job update, got %d", len(st.tx.updates))
	}
	u := st.tx.updates[0]
	if u.Status != models.StatusFailure {
		t.Fatalf("expected terminal Failure, got %q", u.Status)
	}
	if u.Output != "site already exists" || u.Traceback != "trace" {
		t.Fatalf("refusal body not preserved: %+v", u)
	}
	if !st.tx.skipped || st.tx.finished != models.StatusFailure {
		t.Fatalf("step cascade missing: skipped=%v finished=%q", st.tx.skipped, st.tx.finished)
	}
	if len(notifier.failed) != 1 {
		t.Fatalf("expected one failure notification, got %d", len(notifier.failed))
	}
	if len(st.parkings) != 0 {
		t.Fatalf("refused job must not be parked")
	}
}

func TestDispatchRefusalLeavesTerminalJobAlone(t *testing.T) {
	job := testJob()
	st := newFakeStore(job)
	st.tx.job.Status = models.StatusSuccess
	client := &fakeClient{requestErr: &agent.RefusalError{StatusCode: 400}}
	d := NewDispatcher(st, clientsFor(client), testRouter(&recordingNotifier{}), testLogger)

	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(st.tx.updates) != 0 {
		t.Fatalf("terminal job must not be updated: %+v", st.tx.updates)
	}
}

func TestDispatchTransportErrorParksWithBackoff(t *testing.T) {
	job := testJob()
	job.RetryCount = 3
	st := newFakeStore(job)
	client := &fakeClient{requestErr: errors.New("connection refused")}
	d := NewDispatcher(st, clientsFor(client), testRouter(&recordingNotifier{}), testLogger)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch should swallow transport errors: %v", err)
	}
	if len(st.parkings) != 1 {
		t.Fatalf("expected one parking, got %d", len(st.parkings))
	}
	p := st.parkings[0]
	if p.retryCount != 3 {
		t.Fatalf("expected retry count preserved at 3, got %d", p.retryCount)
	}
	if !p.nextAt.Equal(base.Add(243 * time.Second)) {
		t.Fatalf("expected 243s backoff, got %s", p.nextAt.Sub(base))
	}
}

func TestDispatchAcceptedWithoutIDParks(t *testing.T) {
	job := testJob()
	st := newFakeStore(job)
	client := &fakeClient{requestBody: map[string]any{"message": "ok"}}
	d := NewDispatcher(st, clientsFor(client), testRouter(&recordingNotifier{}), testLogger)

	if err := d.Dispatch(context.Background(), job); err == nil {
		t.Fatalf("expected error for response without a job id")
	}
	if len(st.dispatched) != 0 {
		t.Fatalf("no remote id should be recorded")
	}
	if len(st.parkings) != 1 {
		t.Fatalf("job should be parked for retry")
	}
}
