package tracker

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"agent-dispatch/internal/models"
	"agent-dispatch/internal/telemetry"
)

// Prober is the slice of the agent client the healer needs.
type Prober interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// ProberFunc resolves a prober for a target.
type ProberFunc func(ctx context.Context, target models.Target) (Prober, error)

// probeTimeout keeps healing probes cheap: a down server should cost the
// loop seconds, not the full agent read timeout.
const probeTimeout = 5 * time.Second

// Heal walks every tracked target and probes it. A successful ping
// decrements the counter aggressively so a single success clears the tripped
// state; a transport failure increments by one; anything else is logged and
// skipped. Targets archived more than an hour ago are dropped outright.
func (t *Tracker) Heal(ctx context.Context, probers ProberFunc) error {
	failures, err := t.store.ListFailures(ctx)
	if err != nil {
		return err
	}
	telemetry.TrippedTargets.Set(float64(len(failures)))

	for _, f := range failures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		target := f.Target()

		archived, err := t.store.ServerArchivedBefore(ctx, target, time.Now().Add(-time.Hour))
		if err == nil && archived {
			if err := t.store.DeleteFailure(ctx, target); err != nil {
				t.logger.Error("drop failure for archived target", "target", target.String(), "err", err)
			}
			continue
		}

		prober, err := probers(ctx, target)
		if err != nil {
			t.logger.Error("build probe client", "target", target.String(), "err", err)
			continue
		}

		delta := 0
		switch pingErr := prober.Ping(ctx, probeTimeout); {
		case pingErr == nil:
			delta = -t.healDecrement()
		case isTransportError(pingErr):
			delta = 1
		default:
			// Something responded but not the agent we expected; leave
			// the count alone until the picture is clearer.
			t.logger.Warn("unexpected probe result", "target", target.String(), "err", pingErr)
		}

		if delta == 0 {
			continue
		}
		if f.FailureCount+delta <= 0 {
			if err := t.store.DeleteFailure(ctx, target); err != nil {
				t.logger.Error("clear healed target", "target", target.String(), "err", err)
			}
			continue
		}
		if err := t.store.SetFailureCount(ctx, target, f.FailureCount+delta); err != nil {
			t.logger.Error("update failure count", "target", target.String(), "err", err)
		}
	}
	return nil
}

func (t *Tracker) healDecrement() int {
	if t.cfg.HealDecrement > 0 {
		return t.cfg.HealDecrement
	}
	return 100
}

// isTransportError reports whether the probe failed to reach the agent at
// all, as opposed to reaching something that answered strangely.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
