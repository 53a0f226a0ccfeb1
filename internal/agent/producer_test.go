package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"agent-dispatch/internal/jobtypes"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
)

var discard = slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeProducerStore struct {
	created   []store.CreateJobParams
	duplicate *models.Job
}

func (s *fakeProducerStore) CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error) {
	s.created = append(s.created, p)
	return models.Job{
		Name:       fmt.Sprintf("job-%04d", len(s.created)),
		JobType:    p.JobType,
		ServerType: p.ServerType,
		Server:     p.Server,
		Status:     models.StatusUndelivered,
	}, nil
}

func (s *fakeProducerStore) FindDuplicateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	if s.duplicate != nil {
		return *s.duplicate, true, nil
	}
	return models.Job{}, false, nil
}

type fakeSigner struct {
	signed []string
}

func (s *fakeSigner) PresignDownload(ctx context.Context, key string) (string, error) {
	s.signed = append(s.signed, key)
	return "https://signed.example.com/" + key, nil
}

func producerTypes(t *testing.T) *jobtypes.Set {
	t.Helper()
	set, err := jobtypes.Parse([]byte(`
job_types:
  - name: New Site
    steps: ["New Site", "Install Apps", "Reload NGINX"]
`))
	if err != nil {
		t.Fatalf("parse types: %v", err)
	}
	return set
}

func TestSubmitStampsStepsAndDispatches(t *testing.T) {
	st := &fakeProducerStore{}
	var dispatchedName string
	p := NewProducer(st, producerTypes(t), nil, func(ctx context.Context, job models.Job) {
		dispatchedName = job.Name
	}, false, discard)

	job, err := p.NewSite(context.Background(),
		SiteRef{Name: "site.example.com", Bench: "bench-1", Server: "n1.example.com"},
		map[string]any{"maintenance_mode": 0}, []string{"frappe"}, "admin-pw", "root-pw")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(st.created) != 1 {
		t.Fatalf("expected one insert, got %d", len(st.created))
	}
	params := st.created[0]
	if len(params.Steps) != 3 || params.Steps[0] != "New Site" {
		t.Fatalf("step template not stamped: %v", params.Steps)
	}
	if params.RequestPath != "benches/bench-1/sites" {
		t.Fatalf("unexpected path %q", params.RequestPath)
	}
	if params.ServerType != models.ServerTypeApp {
		t.Fatalf("server type must default to the app server")
	}
	if params.RequestData["admin_password"] != "admin-pw" {
		t.Fatalf("payload missing fields: %v", params.RequestData)
	}
	if dispatchedName != job.Name {
		t.Fatalf("inserted job must be handed to dispatch")
	}
}

func TestSubmitDeduplicates(t *testing.T) {
	existing := models.Job{Name: "job-0042", JobType: "New Site", Status: models.StatusRunning}
	st := &fakeProducerStore{duplicate: &existing}
	dispatched := false
	p := NewProducer(st, producerTypes(t), nil, func(ctx context.Context, job models.Job) {
		dispatched = true
	}, false, discard)

	job, err := p.Submit(context.Background(), store.CreateJobParams{
		JobType: "New Site", ServerType: models.ServerTypeApp, Server: "n1", RequestPath: "x",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Name != existing.Name {
		t.Fatalf("expected the existing duplicate back, got %q", job.Name)
	}
	if len(st.created) != 0 || dispatched {
		t.Fatalf("duplicate must neither insert nor dispatch")
	}
}

func TestSubmitDedupDisabledInsertsAnyway(t *testing.T) {
	existing := models.Job{Name: "job-0042"}
	st := &fakeProducerStore{duplicate: &existing}
	p := NewProducer(st, producerTypes(t), nil, nil, true, discard)

	job, err := p.Submit(context.Background(), store.CreateJobParams{
		JobType: "New Site", ServerType: models.ServerTypeApp, Server: "n1", RequestPath: "x",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Name == existing.Name {
		t.Fatalf("dedup disabled must create a fresh job")
	}
	if len(st.created) != 1 {
		t.Fatalf("expected an insert")
	}
}

func TestRestoreSitePresignsBackupLinks(t *testing.T) {
	st := &fakeProducerStore{}
	signer := &fakeSigner{}
	p := NewProducer(st, producerTypes(t), signer, nil, false, discard)

	_, err := p.RestoreSite(context.Background(),
		SiteRef{Name: "site.example.com", Bench: "bench-1", Server: "n1"},
		[]string{"frappe"}, "admin-pw", "root-pw",
		RestoreFiles{DatabaseKey: "backups/db.sql.gz", PublicKey: "backups/files.tar"},
		false)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(signer.signed) != 2 {
		t.Fatalf("expected database and public keys signed, got %v", signer.signed)
	}
	data := st.created[0].RequestData
	if data["database"] != "https://signed.example.com/backups/db.sql.gz" {
		t.Fatalf("database link missing: %v", data)
	}
	if data["private"] != nil {
		t.Fatalf("absent private backup must stay null")
	}
	if st.created[0].RequestPath != "benches/bench-1/sites/site.example.com/restore" {
		t.Fatalf("unexpected path %q", st.created[0].RequestPath)
	}
}

func TestRestoreSiteWithoutSignerFails(t *testing.T) {
	p := NewProducer(&fakeProducerStore{}, producerTypes(t), nil, nil, false, discard)
	_, err := p.RestoreSite(context.Background(), SiteRef{Name: "s", Bench: "b", Server: "n1"},
		nil, "a", "r", RestoreFiles{DatabaseKey: "k"}, false)
	if err == nil {
		t.Fatalf("restore without a configured signer must fail")
	}
}

func TestUninstallAppUsesDelete(t *testing.T) {
	st := &fakeProducerStore{}
	p := NewProducer(st, producerTypes(t), nil, nil, false, discard)

	_, err := p.UninstallApp(context.Background(),
		SiteRef{Name: "site.example.com", Bench: "bench-1", Server: "n1"}, "erpnext")
	if err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	params := st.created[0]
	if params.RequestMethod != http.MethodDelete {
		t.Fatalf("expected DELETE, got %q", params.RequestMethod)
	}
	if params.RequestPath != "benches/bench-1/sites/site.example.com/apps/erpnext" {
		t.Fatalf("unexpected path %q", params.RequestPath)
	}
}

func TestUpdateSiteDeployTypeShapesTypeAndPath(t *testing.T) {
	st := &fakeProducerStore{}
	p := NewProducer(st, producerTypes(t), nil, nil, false, discard)

	_, err := p.UpdateSite(context.Background(),
		SiteRef{Name: "site.example.com", Bench: "bench-1", Server: "n1"},
		"bench-2", "Migrate", true, false, false)
	if err != nil {
		t.Fatalf("update site: %v", err)
	}
	params := st.created[0]
	if params.JobType != "Update Site Migrate" {
		t.Fatalf("unexpected job type %q", params.JobType)
	}
	if params.RequestPath != "benches/bench-1/sites/site.example.com/update/migrate" {
		t.Fatalf("unexpected path %q", params.RequestPath)
	}
	if params.RequestData["target"] != "bench-2" {
		t.Fatalf("target bench missing: %v", params.RequestData)
	}
}

func TestProxyJobsTargetProxyServer(t *testing.T) {
	st := &fakeProducerStore{}
	p := NewProducer(st, producerTypes(t), nil, nil, false, discard)

	_, err := p.AddSiteToUpstream(context.Background(), "proxy-1", "n1.example.com", "10.0.0.5", "site.example.com")
	if err != nil {
		t.Fatalf("add to upstream: %v", err)
	}
	params := st.created[0]
	if params.ServerType != models.ServerTypeProxy || params.Server != "proxy-1" {
		t.Fatalf("routing jobs must target the proxy: %+v", params)
	}
	if params.RequestPath != "proxy/upstreams/10.0.0.5/sites" {
		t.Fatalf("unexpected path %q", params.RequestPath)
	}
	if params.Upstream != "n1.example.com" {
		t.Fatalf("upstream correlator missing")
	}
}
