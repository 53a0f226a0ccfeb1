// Package notify classifies failed agent jobs against a table of known
// causes and emits user-visible notifications. A notification is marked
// actionable only when the user can actually resolve the failure, e.g. an
// out-of-memory kill on a dedicated server.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agent-dispatch/internal/events"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/telemetry"
)

// Details is the rendered notification content.
type Details struct {
	Title         string
	Message       string
	Traceback     string
	IsActionable  bool
	AssistanceURL string
}

// Env carries job surroundings the rules need to decide whether a known
// cause is user-resolvable.
type Env struct {
	OnPublicServer    bool
	DuringAgentUpdate bool
}

// classifier rewrites Details for one known cause. It returns false when the
// failure is not user-resolvable in this context, in which case later rules
// get a chance.
type classifier func(d *Details, job models.Job, env Env) bool

// rule matches when every substring appears in the job's traceback, or every
// substring appears in its output. Order matters; the first actionable match
// wins.
type rule struct {
	substrings []string
	classify   classifier
}

// Store is the persistence surface the emitter needs.
type Store interface {
	InsertNotification(ctx context.Context, n models.Notification) (int64, error)
	SiteTeam(ctx context.Context, site string) (string, error)
	GetServer(ctx context.Context, target models.Target) (store.ServerInfo, error)
	AgentUpdateAround(ctx context.Context, target models.Target, around time.Time) (bool, error)
}

// Emitter builds and persists notifications for failed jobs.
type Emitter struct {
	store  Store
	sink   events.Sink
	logger *slog.Logger
	rules  []rule
}

// New builds an emitter with the default known-causes table.
func New(st Store, sink events.Sink, logger *slog.Logger) *Emitter {
	return &Emitter{store: st, sink: sink, logger: logger, rules: defaultRules()}
}

// JobFailed emits a notification for a terminally failed job, when the job
// resolves to a team that should see it. Public (shared) servers never
// notify unless the failure is tied to a site.
func (e *Emitter) JobFailed(ctx context.Context, job models.Job) {
	team, public, ok := e.resolveTeam(ctx, job)
	if !ok {
		return
	}

	d := e.Classify(job, e.environment(ctx, job, public))
	n := models.Notification{
		Team:          team,
		Type:          notificationType(job),
		DocumentType:  "Agent Job",
		DocumentName:  job.Name,
		Title:         d.Title,
		Message:       d.Message,
		Traceback:     d.Traceback,
		IsActionable:  d.IsActionable,
		AssistanceURL: d.AssistanceURL,
	}
	if _, err := e.store.InsertNotification(ctx, n); err != nil {
		e.logger.Error("insert notification", "job", job.Name, "err", err)
		return
	}
	telemetry.NotificationsSent.Inc()
	e.sink.ListChanged(ctx, "Notification")
}

// Classify runs the rule table over the job's traceback and output and
// returns the rendered details, falling back to the job-type heuristics.
func (e *Emitter) Classify(job models.Job, env Env) Details {
	base := Details{
		Title:     defaultTitle(job),
		Message:   defaultMessage(job),
		Traceback: job.Trace,
	}
	for _, r := range e.rules {
		if !matches(r.substrings, job.Trace) && !matches(r.substrings, job.Output) {
			continue
		}
		d := base
		if r.classify(&d, job, env) {
			d.IsActionable = true
			return d
		}
		// Known cause but not user-resolvable here; keep looking.
	}
	return base
}

func (e *Emitter) environment(ctx context.Context, job models.Job, onPublic bool) Env {
	env := Env{OnPublicServer: onPublic}
	around := time.Now()
	if job.End != nil {
		around = *job.End
	}
	updating, err := e.store.AgentUpdateAround(ctx, job.Target(), around)
	if err != nil {
		e.logger.Warn("check agent update window", "server", job.Server, "err", err)
	}
	env.DuringAgentUpdate = updating
	return env
}

func matches(substrings []string, haystack string) bool {
	if haystack == "" {
		return false
	}
	for _, s := range substrings {
		if !strings.Contains(haystack, s) {
			return false
		}
	}
	return true
}

// resolveTeam finds who should see the notification: the site's team, else
// the team of a dedicated app or database server.
func (e *Emitter) resolveTeam(ctx context.Context, job models.Job) (team string, onPublicServer bool, ok bool) {
	if job.Site != "" {
		team, err := e.store.SiteTeam(ctx, job.Site)
		if err != nil {
			e.logger.Error("resolve site team", "site", job.Site, "err", err)
			return "", false, false
		}
		if team == "" {
			return "", false, false
		}
		info, err := e.store.GetServer(ctx, job.Target())
		public := err == nil && info.Public
		return team, public, true
	}

	if job.ServerType != models.ServerTypeApp && job.ServerType != models.ServerTypeDatabase {
		return "", false, false
	}
	info, err := e.store.GetServer(ctx, job.Target())
	if err != nil || info.Public || info.Team == "" {
		return "", false, false
	}
	return info.Team, false, true
}

func notificationType(job models.Job) string {
	switch {
	case job.JobType == "Update Site Migrate":
		return "Site Migrate"
	case job.JobType == "Update Site Pull":
		return "Site Update"
	case strings.HasPrefix(job.JobType, "Recover Failed"):
		return "Site Recovery"
	default:
		return "Agent Job Failure"
	}
}

func defaultTitle(job models.Job) string {
	switch {
	case job.JobType == "Update Site Migrate":
		return "Site Migrate"
	case job.JobType == "Update Site Pull":
		return "Site Update"
	case strings.HasPrefix(job.JobType, "Recover Failed"):
		return "Site Recovery"
	default:
		return "Job Failure"
	}
}

func defaultMessage(job models.Job) string {
	switch {
	case job.JobType == "Update Site Migrate":
		return fmt.Sprintf("Site %s failed to migrate", job.Site)
	case job.JobType == "Update Site Pull":
		return fmt.Sprintf("Site %s failed to update", job.Site)
	case strings.HasPrefix(job.JobType, "Recover Failed"):
		return fmt.Sprintf("Site %s failed to recover after a failed update", job.Site)
	case job.Site != "":
		return fmt.Sprintf("%s job failed on site %s", job.JobType, job.Site)
	default:
		return fmt.Sprintf("%s job failed on server %s", job.JobType, job.Server)
	}
}
