package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agent-dispatch/internal/models"
)

// ServerInfo is the slice of the server record the dispatcher core needs.
type ServerInfo struct {
	Name       string
	ServerType string
	Status     string
	Team       string
	Public     bool
	IsPrimary  bool
	UpdatedAt  time.Time
}

// GetServer loads the server record for a target.
func (s *Store) GetServer(ctx context.Context, target models.Target) (ServerInfo, error) {
	var info ServerInfo
	err := s.pool.QueryRow(ctx, `
		SELECT name, server_type, status, team, public, is_primary, updated_at
		FROM servers WHERE name = $1
	`, target.Server).Scan(&info.Name, &info.ServerType, &info.Status, &info.Team,
		&info.Public, &info.IsPrimary, &info.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ServerInfo{}, fmt.Errorf("server %s not found", target.Server)
	}
	if err != nil {
		return ServerInfo{}, fmt.Errorf("query server: %w", err)
	}
	return info, nil
}

// AgentToken returns the bearer token for a target's agent.
func (s *Store) AgentToken(ctx context.Context, target models.Target) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, `SELECT agent_password FROM servers WHERE name = $1`, target.Server).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("server %s not found", target.Server)
	}
	if err != nil {
		return "", fmt.Errorf("query agent token: %w", err)
	}
	return token, nil
}

// ServerArchivedBefore reports whether the target's server record has been
// archived since before the cutoff. Used to drop failure-tracker entries for
// decommissioned hosts.
func (s *Store) ServerArchivedBefore(ctx context.Context, target models.Target, cutoff time.Time) (bool, error) {
	info, err := s.GetServer(ctx, target)
	if err != nil {
		return false, err
	}
	return info.Status == "Archived" && info.UpdatedAt.Before(cutoff), nil
}

// SiteStatus returns the current status of a site, or "" when the site row
// no longer exists.
func (s *Store) SiteStatus(ctx context.Context, site string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM sites WHERE name = $1`, site).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query site status: %w", err)
	}
	return status, nil
}

// SiteTeam returns the owning team of a site.
func (s *Store) SiteTeam(ctx context.Context, site string) (string, error) {
	var team string
	err := s.pool.QueryRow(ctx, `SELECT team FROM sites WHERE name = $1`, site).Scan(&team)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query site team: %w", err)
	}
	return team, nil
}
