package agent

import (
	"context"
	"fmt"

	"agent-dispatch/internal/config"
	"agent-dispatch/internal/models"
)

// TokenSource resolves the per-target bearer token from the store.
type TokenSource interface {
	AgentToken(ctx context.Context, target models.Target) (string, error)
}

// Factory builds clients for targets, wiring in the shared monitor and the
// per-server port overrides from configuration.
type Factory struct {
	tokens  TokenSource
	cfg     config.Config
	monitor Monitor
	opts    []Option
}

// NewFactory constructs a client factory. Extra options apply to every
// client it builds; tests use them to redirect at httptest servers.
func NewFactory(tokens TokenSource, cfg config.Config, monitor Monitor, opts ...Option) *Factory {
	return &Factory{tokens: tokens, cfg: cfg, monitor: monitor, opts: opts}
}

// Client returns a client bound to the target.
func (f *Factory) Client(ctx context.Context, target models.Target) (*Client, error) {
	token, err := f.tokens.AgentToken(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("agent token for %s: %w", target, err)
	}
	opts := make([]Option, 0, len(f.opts)+1)
	if f.monitor != nil {
		opts = append(opts, WithMonitor(f.monitor))
	}
	opts = append(opts, f.opts...)
	return New(target, token, f.cfg.UsesAlternativePort(target.Server),
		f.cfg.AgentConnectTimeout, f.cfg.AgentReadTimeout, opts...), nil
}
