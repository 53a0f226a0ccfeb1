package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"agent-dispatch/internal/jobtypes"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/telemetry"
)

// ProducerStore is the persistence surface job creation needs.
type ProducerStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	FindDuplicateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
}

// LinkSigner issues presigned download URLs for backup objects referenced in
// restore payloads.
type LinkSigner interface {
	PresignDownload(ctx context.Context, key string) (string, error)
}

// DispatchFunc hands a freshly inserted job to the dispatcher. Wiring
// decides whether that happens inline or through a queue.
type DispatchFunc func(ctx context.Context, job models.Job)

// Producer builds and inserts jobs from typed requests. Each constructor
// owns the (job_type, method, path, payload) contract for one agent
// operation.
type Producer struct {
	store         ProducerStore
	types         *jobtypes.Set
	signer        LinkSigner
	dispatch      DispatchFunc
	dedupDisabled bool
	logger        *slog.Logger
}

func NewProducer(st ProducerStore, types *jobtypes.Set, signer LinkSigner,
	dispatch DispatchFunc, dedupDisabled bool, logger *slog.Logger) *Producer {
	return &Producer{
		store:         st,
		types:         types,
		signer:        signer,
		dispatch:      dispatch,
		dedupDisabled: dedupDisabled,
		logger:        logger,
	}
}

// Submit inserts the job unless an equivalent one is already in execution,
// then triggers delivery. The returned job is the new row, or the existing
// duplicate.
func (p *Producer) Submit(ctx context.Context, params store.CreateJobParams) (models.Job, error) {
	if !p.dedupDisabled {
		existing, found, err := p.store.FindDuplicateJob(ctx, params)
		if err != nil {
			return models.Job{}, err
		}
		if found {
			telemetry.JobsDeduplicated.Inc()
			p.logger.Info("job deduplicated", "job", existing.Name,
				"job_type", existing.JobType, "server", existing.Server)
			return existing, nil
		}
	}

	params.Steps = p.types.Get(params.JobType).Steps
	job, err := p.store.CreateJob(ctx, params)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCreated.Inc()

	if p.dispatch != nil {
		p.dispatch(ctx, job)
	}
	return job, nil
}

// SiteRef locates a site on its bench for path construction.
type SiteRef struct {
	Name   string
	Bench  string
	Server string
	// ServerType defaults to the app server type.
	ServerType string
}

func (s SiteRef) target() (string, string) {
	st := s.ServerType
	if st == "" {
		st = models.ServerTypeApp
	}
	return st, s.Server
}

// NewSite provisions a site on the bench.
func (p *Producer) NewSite(ctx context.Context, site SiteRef, config map[string]any, apps []string, adminPassword, mariadbRootPassword string) (models.Job, error) {
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "New Site",
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites", site.Bench),
		RequestData: map[string]any{
			"name":                  site.Name,
			"config":                config,
			"apps":                  apps,
			"admin_password":        adminPassword,
			"mariadb_root_password": mariadbRootPassword,
		},
	})
}

// RestoreFiles names the backup objects a restore pulls from object storage.
type RestoreFiles struct {
	DatabaseKey string
	PublicKey   string
	PrivateKey  string
}

// links presigns download URLs for each present backup object.
func (p *Producer) links(ctx context.Context, files RestoreFiles) (map[string]any, error) {
	if p.signer == nil {
		return nil, fmt.Errorf("backup link signer not configured")
	}
	database, err := p.signer.PresignDownload(ctx, files.DatabaseKey)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"database": database, "public": nil, "private": nil}
	if files.PublicKey != "" {
		public, err := p.signer.PresignDownload(ctx, files.PublicKey)
		if err != nil {
			return nil, err
		}
		out["public"] = public
	}
	if files.PrivateKey != "" {
		private, err := p.signer.PresignDownload(ctx, files.PrivateKey)
		if err != nil {
			return nil, err
		}
		out["private"] = private
	}
	return out, nil
}

// NewSiteFromBackup provisions a site and restores it from backup archives
// in one pass.
func (p *Producer) NewSiteFromBackup(ctx context.Context, site SiteRef, config map[string]any, apps []string, adminPassword, mariadbRootPassword string, files RestoreFiles, skipFailingPatches bool) (models.Job, error) {
	links, err := p.links(ctx, files)
	if err != nil {
		return models.Job{}, err
	}
	data := map[string]any{
		"name":                  site.Name,
		"config":                config,
		"apps":                  apps,
		"admin_password":        adminPassword,
		"mariadb_root_password": mariadbRootPassword,
		"skip_failing_patches":  skipFailingPatches,
	}
	for k, v := range links {
		data[k] = v
	}
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "New Site from Backup",
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites/restore", site.Bench),
		RequestData: data,
	})
}

// RestoreSite restores an existing site from backup archives.
func (p *Producer) RestoreSite(ctx context.Context, site SiteRef, apps []string, adminPassword, mariadbRootPassword string, files RestoreFiles, skipFailingPatches bool) (models.Job, error) {
	links, err := p.links(ctx, files)
	if err != nil {
		return models.Job{}, err
	}
	data := map[string]any{
		"apps":                  apps,
		"admin_password":        adminPassword,
		"mariadb_root_password": mariadbRootPassword,
		"skip_failing_patches":  skipFailingPatches,
	}
	for k, v := range links {
		data[k] = v
	}
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Restore Site",
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites/%s/restore", site.Bench, site.Name),
		RequestData: data,
	})
}

// BackupSite triggers a site backup, optionally shipping it offsite.
func (p *Producer) BackupSite(ctx context.Context, site SiteRef, withFiles bool, offsite map[string]any) (models.Job, error) {
	data := map[string]any{"with_files": withFiles}
	if offsite != nil {
		data["offsite"] = offsite
	}
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Backup Site",
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites/%s/backup", site.Bench, site.Name),
		RequestData: data,
	})
}

// ArchiveSite removes a site from its bench, keeping the name reserved.
func (p *Producer) ArchiveSite(ctx context.Context, site SiteRef, mariadbRootPassword string, force bool) (models.Job, error) {
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Archive Site",
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites/%s/archive", site.Bench, site.Name),
		RequestData: map[string]any{
			"mariadb_root_password": mariadbRootPassword,
			"force":                 force,
		},
	})
}

// RenameSite renames a site in place on its bench.
func (p *Producer) RenameSite(ctx context.Context, site SiteRef, newName string) (models.Job, error) {
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Rename Site",
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites/%s/rename", site.Bench, site.Name),
		RequestData: map[string]any{"new_name": newName},
	})
}

// RenameSiteOnUpstream updates the proxy's routing entry for a renamed site.
func (p *Producer) RenameSiteOnUpstream(ctx context.Context, proxyServer, upstreamIP, site, newName string, domains []string) (models.Job, error) {
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Rename Site on Upstream",
		ServerType:  models.ServerTypeProxy,
		Server:      proxyServer,
		Site:        site,
		RequestPath: fmt.Sprintf("proxy/upstreams/%s/sites/%s/rename", upstreamIP, site),
		RequestData: map[string]any{"new_name": newName, "domains": domains},
	})
}

// MigrateSite runs bench migrate on the site.
func (p *Producer) MigrateSite(ctx context.Context, site SiteRef, skipFailingPatches, activate bool) (models.Job, error) {
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Migrate Site",
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites/%s/migrate", site.Bench, site.Name),
		RequestData: map[string]any{
			"skip_failing_patches": skipFailingPatches,
			"activate":             activate,
		},
	})
}

// InstallApp installs an app on the site.
func (p *Producer) InstallApp(ctx context.Context, site SiteRef, app string) (models.Job, error) {
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Install App on Site",
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites/%s/apps", site.Bench, site.Name),
		RequestData: map[string]any{"name": app},
	})
}

// UninstallApp removes an app from the site.
func (p *Producer) UninstallApp(ctx context.Context, site SiteRef, app string) (models.Job, error) {
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:       "Uninstall App from Site",
		ServerType:    st,
		Server:        server,
		Site:          site.Name,
		Bench:         site.Bench,
		RequestMethod: http.MethodDelete,
		RequestPath:   fmt.Sprintf("benches/%s/sites/%s/apps/%s", site.Bench, site.Name, app),
	})
}

// UpdateSiteConfig pushes configuration changes, including removed keys.
func (p *Producer) UpdateSiteConfig(ctx context.Context, site SiteRef, config map[string]any, removedKeys []string) (models.Job, error) {
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Update Site Configuration",
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites/%s/config", site.Bench, site.Name),
		RequestData: map[string]any{"config": config, "remove": removedKeys},
	})
}

// UpdateSite moves a site to a target bench via pull or migrate deploy.
func (p *Producer) UpdateSite(ctx context.Context, site SiteRef, targetBench, deployType string, activate, skipFailingPatches, skipBackups bool) (models.Job, error) {
	st, server := site.target()
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Update Site " + deployType,
		ServerType:  st,
		Server:      server,
		Site:        site.Name,
		Bench:       site.Bench,
		RequestPath: fmt.Sprintf("benches/%s/sites/%s/update/%s", site.Bench, site.Name, strings.ToLower(deployType)),
		RequestData: map[string]any{
			"target":               targetBench,
			"activate":             activate,
			"skip_failing_patches": skipFailingPatches,
			"skip_backups":         skipBackups,
		},
	})
}

// NewBench provisions a bench on the server.
func (p *Producer) NewBench(ctx context.Context, server, bench string, benchConfig, commonSiteConfig, registry map[string]any) (models.Job, error) {
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "New Bench",
		ServerType:  models.ServerTypeApp,
		Server:      server,
		Bench:       bench,
		RequestPath: "benches",
		RequestData: map[string]any{
			"name":               bench,
			"bench_config":       benchConfig,
			"common_site_config": commonSiteConfig,
			"registry":           registry,
		},
	})
}

// ArchiveBench tears a bench down once its sites are gone.
func (p *Producer) ArchiveBench(ctx context.Context, server, bench string) (models.Job, error) {
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Archive Bench",
		ServerType:  models.ServerTypeApp,
		Server:      server,
		Bench:       bench,
		RequestPath: fmt.Sprintf("benches/%s/archive", bench),
	})
}

// AddSiteToUpstream routes a site through the proxy to its upstream server.
func (p *Producer) AddSiteToUpstream(ctx context.Context, proxyServer, upstreamServer, upstreamIP, site string) (models.Job, error) {
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Add Site to Upstream",
		ServerType:  models.ServerTypeProxy,
		Server:      proxyServer,
		Site:        site,
		Upstream:    upstreamServer,
		RequestPath: fmt.Sprintf("proxy/upstreams/%s/sites", upstreamIP),
		RequestData: map[string]any{"name": site},
	})
}

// RemoveSiteFromUpstream deletes the proxy's routing entry for the site.
func (p *Producer) RemoveSiteFromUpstream(ctx context.Context, proxyServer, upstreamServer, upstreamIP, site string) (models.Job, error) {
	return p.Submit(ctx, store.CreateJobParams{
		JobType:       "Remove Site from Upstream",
		ServerType:    models.ServerTypeProxy,
		Server:        proxyServer,
		Site:          site,
		Upstream:      upstreamServer,
		RequestMethod: http.MethodDelete,
		RequestPath:   fmt.Sprintf("proxy/upstreams/%s/sites/%s", upstreamIP, site),
	})
}

// AddHostToProxy installs a custom domain and its TLS material on the proxy.
func (p *Producer) AddHostToProxy(ctx context.Context, proxyServer, domain, site string, certificate map[string]string) (models.Job, error) {
	cert := make(map[string]any, len(certificate))
	for k, v := range certificate {
		cert[k] = v
	}
	return p.Submit(ctx, store.CreateJobParams{
		JobType:     "Add Host to Proxy",
		ServerType:  models.ServerTypeProxy,
		Server:      proxyServer,
		Site:        site,
		Host:        domain,
		RequestPath: "proxy/hosts",
		RequestData: map[string]any{
			"name":        domain,
			"target":      site,
			"certificate": cert,
		},
	})
}
