package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"agent-dispatch/internal/agent"
	"agent-dispatch/internal/callback"
	"agent-dispatch/internal/jobtypes"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
)

var discard = slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeTx struct {
	job         models.Job
	openSteps   []models.Step
	updates     []store.JobUpdate
	stepUpdates map[int64]store.StepUpdate
	skipped     bool
	locked      bool
}

func (t *fakeTx) GetJob(ctx context.Context, name string) (models.Job, error) { return t.job, nil }
func (t *fakeTx) LockEntity(ctx context.Context, job models.Job) error {
	t.locked = true
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
	if t.stepUpdates == nil {
		t.stepUpdates = map[int64]store.StepUpdate{}
	}
	t.stepUpdates[stepID] = u
	return nil
}

func (t *fakeTx) SkipPendingSteps(ctx context.Context, jobName string) error {
	t.skipped = true
	return nil
}

func (t *fakeTx) FinishRunningSteps(ctx context.Context, jobName, status string) error { return nil }
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) error              { return nil }
func (t *fakeTx) Commit(ctx context.Context) error                                     { return nil }
func (t *fakeTx) Rollback(ctx context.Context) error                                   { return nil }

type fakeStore struct {
	tx         *fakeTx
	pending    []models.Job
	server     store.ServerInfo
	serverErr  error
	rolledBack bool
}

func (s *fakeStore) PendingJobs(ctx context.Context, target models.Target) ([]models.Job, error) {
	return s.pending, nil
}

func (s *fakeStore) GetServer(ctx context.Context, target models.Target) (store.ServerInfo, error) {
	return s.server, s.serverErr
}

func (s *fakeStore) GetJobDetail(ctx context.Context, name string) (store.JobDetail, error) {
	return store.JobDetail{Name: name, Status: s.tx.job.Status}, nil
}

func (s *fakeStore) InJobTx(ctx context.Context, fn func(tx store.JobTx) error) error {
	if err := fn(s.tx); err != nil {
		s.rolledBack = true
		return err
	}
	return nil
}

type fakeClient struct {
	polled []agent.PolledJob
	err    error
	asked  [][]int64
}

func (c *fakeClient) GetJobs(ctx context.Context, ids []int64) ([]agent.PolledJob, error) {
	c.asked = append(c.asked, ids)
	return c.polled, c.err
}

type allowAll struct{}

func (allowAll) ShouldSkip(ctx context.Context, target models.Target, jobType string) bool {
	return false
}

type fakeRetry struct {
	targets []models.Target
}

func (r *fakeRetry) RetryTarget(ctx context.Context, target models.Target) error {
	r.targets = append(r.targets, target)
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	puts    map[int64]string
	expired map[int64]bool
}

func (c *fakeCache) Put(ctx context.Context, jobName string, stepID int64, chunk string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.puts == nil {
		c.puts = map[int64]string{}
	}
	c.puts[stepID] = chunk
	return nil
}

func (c *fakeCache) Expire(ctx context.Context, jobName string, stepID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired == nil {
		c.expired = map[int64]bool{}
	}
	c.expired[stepID] = true
	return nil
}

type recordingSink struct {
	jobs  []store.JobDetail
	lists []string
}

func (s *recordingSink) JobChanged(ctx context.Context, detail store.JobDetail) {
	s.jobs = append(s.jobs, detail)
}

func (s *recordingSink) ListChanged(ctx context.Context, doctype string) {
	s.lists = append(s.lists, doctype)
}

type routerStore struct{}

func (routerStore) SiteStatus(ctx context.Context, site string) (string, error) {
	return "Active", nil
}

func (routerStore) IncrementCallbackFailure(ctx context.Context, jobName string) (int, error) {
	return 1, nil
}

type nopNotifier struct{}

func (nopNotifier) JobFailed(ctx context.Context, job models.Job) {}

func pollTypes(t *testing.T) *jobtypes.Set {
	t.Helper()
	set, err := jobtypes.Parse([]byte(`
job_types:
  - name: Backup Site
    steps: ["Backup Site"]
    min_poll_interval: 5m
`))
	if err != nil {
		t.Fatalf("parse types: %v", err)
	}
	return set
}

type fixture struct {
	store  *fakeStore
	client *fakeClient
	retry  *fakeRetry
	cache  *fakeCache
	sink   *recordingSink
	poller *Poller
}

func newFixture(t *testing.T, job models.Job, registry *callback.Registry, opts Options) *fixture {
	t.Helper()
	if registry == nil {
		registry = callback.NewRegistry()
	}
	f := &fixture{
		store:  &fakeStore{tx: &fakeTx{job: job}, pending: []models.Job{job}, server: store.ServerInfo{Status: "Active"}},
		client: &fakeClient{},
		retry:  &fakeRetry{},
		cache:  &fakeCache{},
		sink:   &recordingSink{},
	}
	router := callback.NewRouter(registry, routerStore{}, nopNotifier{}, discard)
	f.poller = New(f.store,
		ClientFunc(func(ctx context.Context, target models.Target) (AgentClient, error) {
			return f.client, nil
		}),
		allowAll{}, router, f.retry, pollTypes(t), f.cache, f.sink, opts, discard)
	return f
}

func runningJob() models.Job {
	return models.Job{
		Name:       "job-1",
		JobType:    "New Site",
		ServerType: models.ServerTypeApp,
		Server:     "n1.example.com",
		Site:       "site.example.com",
		Status:     models.StatusRunning,
		JobID:      42,
	}
}

func TestPollServerAppliesStatusAndSteps(t *testing.T) {
	job := runningJob()
	f := newFixture(t, job, nil, Options{})
	f.store.tx.openSteps = []models.Step{
		{ID: 1, StepName: "New Site", Status: models.StatusRunning},
		{ID: 2, StepName: "Install Apps", Status: models.StatusPending},
	}
	f.client.polled = []agent.PolledJob{{
		ID:     42,
		Status: models.StatusSuccess,
		Data:   map[string]any{"output": "done"},
		Steps: []agent.PolledStep{
			{Name: "New Site", Status: models.StatusSuccess},
			{Name: "Install Apps", Status: models.StatusSuccess},
		},
	}}

	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(f.store.tx.updates) != 1 {
		t.Fatalf("expected one job update, got %d", len(f.store.tx.updates))
	}
	u := f.store.tx.updates[0]
	if u.Status != models.StatusSuccess || u.Output != "done" {
		t.Fatalf("unexpected update %+v", u)
	}
	if len(f.store.tx.stepUpdates) != 2 {
		t.Fatalf("expected both steps updated, got %d", len(f.store.tx.stepUpdates))
	}
	if !f.store.tx.skipped {
		t.Fatalf("terminal job must skip remaining pending steps")
	}
	if len(f.sink.jobs) != 1 {
		t.Fatalf("expected job change event")
	}
	if len(f.sink.lists) != 1 || f.sink.lists[0] != "Agent Job" {
		t.Fatalf("terminal transition must refresh the list view, got %v", f.sink.lists)
	}
	if len(f.retry.targets) != 1 {
		t.Fatalf("poll pass must hand the target to the retry engine")
	}
}

func TestPollServerNoChangeNoWrite(t *testing.T) {
	job := runningJob()
	f := newFixture(t, job, nil, Options{})
	f.client.polled = []agent.PolledJob{{ID: 42, Status: models.StatusRunning}}

	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(f.store.tx.updates) != 0 {
		t.Fatalf("identical status must not write: %+v", f.store.tx.updates)
	}
	if len(f.sink.jobs) != 0 {
		t.Fatalf("no change, no event")
	}
}

func TestPollServerTerminalRowWins(t *testing.T) {
	job := runningJob()
	f := newFixture(t, job, nil, Options{})
	f.store.tx.job.Status = models.StatusSuccess
	f.client.polled = []agent.PolledJob{{ID: 42, Status: models.StatusFailure}}

	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(f.store.tx.updates) != 0 {
		t.Fatalf("terminal row must not be overwritten")
	}
}

func TestPollServerPairJobTakesEntityLock(t *testing.T) {
	job := runningJob()
	job.JobType = "Archive Site"
	f := newFixture(t, job, nil, Options{})
	f.store.tx.job = job
	f.client.polled = []agent.PolledJob{{ID: 42, Status: models.StatusSuccess}}

	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !f.store.tx.locked {
		t.Fatalf("paired job transition must take the entity lock")
	}
}

func TestPollServerRetryableCallbackRollsBackQuietly(t *testing.T) {
	job := runningJob()
	registry := callback.NewRegistry()
	registry.Register("New Site", "", func(ctx context.Context, tx store.JobTx, j models.Job, polled *agent.PolledJob) error {
		return callback.Retry(errors.New("not ready"))
	})
	f := newFixture(t, job, registry, Options{})
	f.client.polled = []agent.PolledJob{{ID: 42, Status: models.StatusSuccess}}

	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("retryable callback must not surface: %v", err)
	}
	if !f.store.rolledBack {
		t.Fatalf("retryable callback must roll the transaction back")
	}
	if len(f.sink.jobs) != 0 {
		t.Fatalf("rolled back update must not publish")
	}
}

func TestPollServerInactiveTargetSkipped(t *testing.T) {
	job := runningJob()
	f := newFixture(t, job, nil, Options{})
	f.store.server = store.ServerInfo{Status: "Archived"}

	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(f.client.asked) != 0 {
		t.Fatalf("inactive target must not be polled")
	}
}

func TestPollServerStreamsRunningStepOutput(t *testing.T) {
	job := runningJob()
	f := newFixture(t, job, nil, Options{Realtime: true})
	f.store.tx.openSteps = []models.Step{{ID: 7, StepName: "New Site", Status: models.StatusRunning}}
	f.client.polled = []agent.PolledJob{{
		ID:     42,
		Status: models.StatusRunning,
		Steps: []agent.PolledStep{{
			Name:   "New Site",
			Status: models.StatusRunning,
			Data: map[string]any{"commands": []any{
				map[string]any{"output": "creating database"},
				map[string]any{"output": "installing frappe"},
			}},
		}},
	}}

	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := f.cache.puts[7]; got != "creating database\ninstalling frappe" {
		t.Fatalf("unexpected streamed output %q", got)
	}
}

func TestMinPollIntervalGate(t *testing.T) {
	job := runningJob()
	job.JobType = "Backup Site"
	f := newFixture(t, job, nil, Options{})
	f.store.tx.job = job
	f.client.polled = []agent.PolledJob{{ID: 42, Status: models.StatusRunning}}

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	now := base
	f.poller.now = func() time.Time { return now }

	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if len(f.client.asked) != 1 {
		t.Fatalf("first poll must reach the agent")
	}

	now = base.Add(time.Minute)
	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(f.client.asked) != 1 {
		t.Fatalf("poll inside the min interval must be skipped")
	}

	now = base.Add(6 * time.Minute)
	if err := f.poller.PollServer(context.Background(), job.Target()); err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if len(f.client.asked) != 2 {
		t.Fatalf("poll after the min interval must go through")
	}
}

func TestSampleCapsBatch(t *testing.T) {
	f := newFixture(t, runningJob(), nil, Options{BatchSize: 3})
	jobs := make([]models.Job, 10)
	for i := range jobs {
		jobs[i] = models.Job{Name: string(rune('a' + i)), JobID: int64(i + 1)}
	}
	picked := f.poller.sample(jobs)
	if len(picked) != 3 {
		t.Fatalf("expected 3 sampled jobs, got %d", len(picked))
	}
	if len(jobs) != 10 {
		t.Fatalf("sampling must not mutate the input")
	}
}

func TestParseTaskID(t *testing.T) {
	target, ok := parseTaskID("Server/n1.example.com")
	if !ok || target.ServerType != "Server" || target.Server != "n1.example.com" {
		t.Fatalf("unexpected parse result %+v ok=%v", target, ok)
	}
	if _, ok := parseTaskID("garbage"); ok {
		t.Fatalf("id without a separator must not parse")
	}
	if _, ok := parseTaskID("/n1"); ok {
		t.Fatalf("empty server type must not parse")
	}
	if got := taskID(models.Target{ServerType: "Server", Server: "n1"}); got != "Server/n1" {
		t.Fatalf("unexpected task id %q", got)
	}
}
