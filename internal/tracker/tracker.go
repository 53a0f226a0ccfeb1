// Package tracker implements per-target circuit breaking for agent
// transport failures. A target with any failure record is "tripped":
// dispatch to it is suspended until the healing loop observes a successful
// probe.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"agent-dispatch/internal/config"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/store"
)

// Store is the persistence surface the tracker needs.
type Store interface {
	RecordFailure(ctx context.Context, target models.Target, errText, traceback string) error
	HasFailure(ctx context.Context, target models.Target) (bool, error)
	ListFailures(ctx context.Context) ([]models.RequestFailure, error)
	SetFailureCount(ctx context.Context, target models.Target, count int) error
	DeleteFailure(ctx context.Context, target models.Target) error
	ServerArchivedBefore(ctx context.Context, target models.Target, cutoff time.Time) (bool, error)
	GetServer(ctx context.Context, target models.Target) (store.ServerInfo, error)
}

// Tracker gates outbound requests and accounts transport failures.
type Tracker struct {
	store  Store
	cfg    config.Config
	logger *slog.Logger
}

// New builds a tracker over the failure store.
func New(st Store, cfg config.Config, logger *slog.Logger) *Tracker {
	return &Tracker{store: st, cfg: cfg, logger: logger}
}

// ShouldSkip reports whether outbound work to the target is currently
// suspended, either by the operator's halt list or by a failure record.
// Job types on the bypass allow-list go through regardless.
func (t *Tracker) ShouldSkip(ctx context.Context, target models.Target, jobType string) bool {
	if jobType != "" && t.cfg.BypassHalt(jobType) {
		return false
	}
	if t.cfg.TargetHalted(target.ServerType, target.Server) {
		return true
	}
	tripped, err := t.store.HasFailure(ctx, target)
	if err != nil {
		// A tracker read failure must not stall the fleet; transport
		// failures will trip the target on their own.
		t.logger.Error("failure tracker lookup failed", "target", target.String(), "err", err)
		return false
	}
	return tripped
}

// RecordFailure accounts one transport failure against the target. Records
// for non-primary database secondaries are suppressed: their IPs churn
// during failover and produce false positives.
func (t *Tracker) RecordFailure(ctx context.Context, target models.Target, reqErr error) {
	if target.ServerType == models.ServerTypeDatabase {
		info, err := t.store.GetServer(ctx, target)
		if err == nil && !info.IsPrimary {
			return
		}
	}
	if err := t.store.RecordFailure(ctx, target, reqErr.Error(), ""); err != nil {
		t.logger.Error("record request failure", "target", target.String(), "err", err)
	}
}
